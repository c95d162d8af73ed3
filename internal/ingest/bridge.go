// Package ingest feeds server-side emits from NATS into the graph.
// Backend services publish emit envelopes on <prefix>.emit.<entity>.<id>;
// the bridge decodes them and applies each through the state manager on a
// bounded worker pool.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/graph"
	"github.com/lenshq/lens/internal/monitoring"
)

// Envelope is the payload published by backends. Entity and ID may be
// omitted when the subject already carries them.
type Envelope struct {
	Entity  string       `json:"entity,omitempty"`
	ID      string       `json:"id,omitempty"`
	Command emit.Command `json:"command"`
}

// Config tunes the bridge. Zero values get defaults from NewBridge.
type Config struct {
	URL           string
	SubjectPrefix string

	MaxReconnects   int
	ReconnectWait   time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int

	WorkerCount int
	QueueSize   int
}

// Bridge is the NATS ingest pipeline.
type Bridge struct {
	cfg    Config
	graph  *graph.Manager
	logger zerolog.Logger

	conn *nats.Conn
	sub  *nats.Subscription
	pool *Pool
}

func NewBridge(cfg Config, g *graph.Manager, logger zerolog.Logger) *Bridge {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "lens"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}
	log := logger.With().Str("component", "ingest").Logger()
	return &Bridge{
		cfg:    cfg,
		graph:  g,
		logger: log,
		pool:   NewPool(cfg.WorkerCount, cfg.QueueSize, log),
	}
}

// Start connects and subscribes. The worker pool runs until ctx is
// cancelled; NATS reconnects are handled by the client library.
func (b *Bridge) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.PingInterval(b.cfg.PingInterval),
		nats.MaxPingsOutstanding(b.cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	b.conn = conn
	b.pool.Start(ctx)

	subject := b.cfg.SubjectPrefix + ".emit.>"
	sub, err := conn.Subscribe(subject, b.handleMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub

	b.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Str("subject", subject).
		Msg("Ingest bridge started")
	return nil
}

func (b *Bridge) handleMessage(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		monitoring.RecordIngest("malformed")
		b.logger.Warn().
			Str("subject", msg.Subject).
			Err(err).
			Msg("Malformed ingest envelope dropped")
		return
	}
	if env.Entity == "" || env.ID == "" {
		entity, id, ok := b.parseSubject(msg.Subject)
		if !ok {
			monitoring.RecordIngest("malformed")
			b.logger.Warn().Str("subject", msg.Subject).Msg("Ingest envelope without entity address dropped")
			return
		}
		if env.Entity == "" {
			env.Entity = entity
		}
		if env.ID == "" {
			env.ID = id
		}
	}

	// Same-entity commands shard to one worker, so they apply in publish
	// order.
	ok := b.pool.Submit(graph.Key(env.Entity, env.ID), func() {
		if err := b.graph.ProcessCommand(env.Entity, env.ID, env.Command); err != nil {
			b.logger.Warn().
				Str("entity", env.Entity).
				Str("entity_id", env.ID).
				Err(err).
				Msg("Ingest command rejected")
		}
	})
	if ok {
		monitoring.RecordIngest("ok")
	} else {
		monitoring.RecordIngest("dropped")
	}
	monitoring.SetIngestQueueDepth(b.pool.QueueDepth())
}

// parseSubject extracts (entity, id) from
// <prefix>.emit.<entity>.<id> subjects.
func (b *Bridge) parseSubject(subject string) (string, string, bool) {
	prefix := b.cfg.SubjectPrefix + ".emit."
	if len(subject) <= len(prefix) || subject[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := subject[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			if i == 0 || i == len(rest)-1 {
				return "", "", false
			}
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

// Connected reports the NATS link state for health checks.
func (b *Bridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Stop drains the subscription and closes the connection.
func (b *Bridge) Stop() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.logger.Info().Int64("dropped_tasks", b.pool.DroppedTasks()).Msg("Ingest bridge stopped")
}
