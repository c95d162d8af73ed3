package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/lenshq/lens/internal/config"
	"github.com/lenshq/lens/internal/engine"
	"github.com/lenshq/lens/internal/graph"
	"github.com/lenshq/lens/internal/ingest"
	"github.com/lenshq/lens/internal/limits"
	"github.com/lenshq/lens/internal/monitoring"
	"github.com/lenshq/lens/internal/oplog"
	"github.com/lenshq/lens/internal/resolver"
	"github.com/lenshq/lens/internal/transport"
)

func main() {
	bootstrapLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	log := oplog.New(oplog.Config{
		MaxEntries: cfg.OplogMaxEntries,
		MaxBytes:   cfg.OplogBudget,
		MaxAge:     cfg.OplogMaxAge,
	})
	g := graph.New(graph.Config{
		Retention:            graph.RetentionPolicy(cfg.Retention),
		CacheCapacity:        cfg.CacheCapacity,
		CacheTTL:             cfg.CacheTTL,
		ClientQueueSize:      cfg.ClientQueueSize,
		CompressionThreshold: cfg.CompressionThreshold,
	}, log, logger)

	schema := resolver.NewSchema()
	registerBuiltins(schema, g)
	if cfg.CatalogPath != "" {
		cat, err := config.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load entity catalog")
		}
		registerCatalog(schema, cat)
		logger.Info().Int("entities", len(cat.Entities)).Msg("Entity catalog loaded")
	}

	eng := engine.New(schema, g, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OplogMaxAge > 0 {
		go log.SweepLoop(ctx, cfg.OplogSweepInterval)
	}

	var bridge *ingest.Bridge
	if cfg.NATSURL != "" {
		bridge = ingest.NewBridge(ingest.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			WorkerCount:   cfg.IngestWorkers,
			QueueSize:     cfg.IngestQueueSize,
		}, g, logger)
		if err := bridge.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start ingest bridge")
		}
	}

	server := transport.NewServer(transport.Config{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,
		SendBuffer:     cfg.SendBuffer,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		RateLimit: limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnIPBurst,
			IPRate:      cfg.ConnIPRate,
			GlobalBurst: cfg.ConnGlobalBurst,
			GlobalRate:  cfg.ConnGlobalRate,
		},
	}, eng, logger)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if bridge != nil {
		bridge.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

// registerCatalog turns catalog entries into pass-through entities so
// emitted state serves without code-registered resolvers.
func registerCatalog(schema *resolver.Schema, cat *config.Catalog) {
	for _, ce := range cat.Entities {
		fields := make(map[string]*resolver.Field, len(ce.Fields))
		for _, f := range ce.Fields {
			fields[f] = &resolver.Field{Kind: resolver.FieldExpose}
		}
		schema.AddEntity(&resolver.Entity{
			Name:    ce.Name,
			IDField: ce.IDField,
			Fields:  fields,
		})
	}
}
