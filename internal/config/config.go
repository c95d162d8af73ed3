// Package config loads server configuration from the environment (with
// an optional .env file for development) and the optional entity catalog
// from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
type Config struct {
	// Server basics
	Addr        string `env:"LENS_ADDR" envDefault:":3002"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Capacity
	MaxConnections int `env:"LENS_MAX_CONNECTIONS" envDefault:"10000"`
	SendBuffer     int `env:"LENS_SEND_BUFFER" envDefault:"256"`

	// Graph state
	Retention            string        `env:"LENS_RETENTION" envDefault:"cache"`
	CacheCapacity        int           `env:"LENS_CACHE_CAPACITY" envDefault:"10000"`
	CacheTTL             time.Duration `env:"LENS_CACHE_TTL" envDefault:"10m"`
	ClientQueueSize      int           `env:"LENS_CLIENT_QUEUE" envDefault:"256"`
	CompressionThreshold int           `env:"LENS_COMPRESSION_THRESHOLD" envDefault:"4096"`

	// Operation log. Zero disables the corresponding bound; the sweep
	// interval drives age-based eviction on idle entities.
	OplogBudget        int           `env:"LENS_OPLOG_BUDGET" envDefault:"33554432"` // 32MB
	OplogMaxEntries    int           `env:"LENS_OPLOG_ENTRIES" envDefault:"0"`
	OplogMaxAge        time.Duration `env:"LENS_OPLOG_AGE" envDefault:"0"`
	OplogSweepInterval time.Duration `env:"LENS_OPLOG_SWEEP" envDefault:"1m"`

	// Rate limiting
	ConnIPBurst     int     `env:"LENS_CONN_IP_BURST" envDefault:"10"`
	ConnIPRate      float64 `env:"LENS_CONN_IP_RATE" envDefault:"1.0"`
	ConnGlobalBurst int     `env:"LENS_CONN_GLOBAL_BURST" envDefault:"300"`
	ConnGlobalRate  float64 `env:"LENS_CONN_GLOBAL_RATE" envDefault:"50.0"`
	MessageRate     float64 `env:"LENS_MESSAGE_RATE" envDefault:"100"`
	MessageBurst    int     `env:"LENS_MESSAGE_BURST" envDefault:"200"`

	// NATS ingest (disabled when URL is empty)
	NATSURL           string `env:"LENS_NATS_URL"`
	NATSSubjectPrefix string `env:"LENS_NATS_PREFIX" envDefault:"lens"`
	IngestWorkers     int    `env:"LENS_INGEST_WORKERS" envDefault:"8"`
	IngestQueueSize   int    `env:"LENS_INGEST_QUEUE" envDefault:"800"`

	// Entity catalog (optional YAML file)
	CatalogPath string `env:"LENS_CATALOG"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration with priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LENS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("LENS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.OplogBudget < 0 {
		return fmt.Errorf("LENS_OPLOG_BUDGET must be >= 0, got %d", c.OplogBudget)
	}
	if c.OplogMaxEntries < 0 {
		return fmt.Errorf("LENS_OPLOG_ENTRIES must be >= 0, got %d", c.OplogMaxEntries)
	}
	if c.OplogMaxAge < 0 {
		return fmt.Errorf("LENS_OPLOG_AGE must be >= 0, got %s", c.OplogMaxAge)
	}

	switch c.Retention {
	case "evict", "retain", "cache":
	default:
		return fmt.Errorf("LENS_RETENTION must be one of: evict, retain, cache (got: %s)", c.Retention)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Str("retention", c.Retention).
		Int("cache_capacity", c.CacheCapacity).
		Dur("cache_ttl", c.CacheTTL).
		Int("client_queue", c.ClientQueueSize).
		Int("compression_threshold", c.CompressionThreshold).
		Int("oplog_budget", c.OplogBudget).
		Int("oplog_entries", c.OplogMaxEntries).
		Dur("oplog_age", c.OplogMaxAge).
		Str("nats_url", c.NATSURL).
		Str("nats_prefix", c.NATSSubjectPrefix).
		Str("catalog", c.CatalogPath).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
