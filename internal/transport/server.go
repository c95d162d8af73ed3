// Package transport is the WebSocket front door: it upgrades HTTP
// connections, runs the per-connection read and write pumps, and feeds
// decoded frames into sessions. It also serves the health and metrics
// endpoints.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/engine"
	"github.com/lenshq/lens/internal/limits"
	"github.com/lenshq/lens/internal/monitoring"
	"github.com/lenshq/lens/internal/session"
	"github.com/lenshq/lens/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer; the client must
	// send something (a pong at minimum) within this window.
	pongWait = 30 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Config tunes the transport. Zero values get defaults from NewServer.
type Config struct {
	Addr           string
	MaxConnections int

	// Per-connection outbound queue length, in frames.
	SendBuffer int

	// Inbound message rate per connection.
	MessageRate  float64
	MessageBurst int

	RateLimit limits.ConnectionRateLimiterConfig
}

// Server accepts WebSocket clients and binds each to a session.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	engine *engine.Engine

	listener net.Listener
	httpSrv  *http.Server
	limiter  *limits.ConnectionRateLimiter

	connectionsSem chan struct{}
	conns          sync.Map // *conn -> struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	startTime    time.Time
}

// conn is one upgraded WebSocket connection. Outbound frames funnel
// through out; writePump is the only writer on the socket.
type conn struct {
	netConn   net.Conn
	sess      *session.Session
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	remoteIP  string
}

func NewServer(cfg Config, eng *engine.Engine, logger zerolog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10_000
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:            cfg,
		logger:         logger.With().Str("component", "transport").Logger(),
		engine:         eng,
		limiter:        limits.NewConnectionRateLimiter(cfg.RateLimit, logger),
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().
		Str("address", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if !s.limiter.Allow(ip) {
		monitoring.IncrementConnectionsFailed()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	case <-time.After(5 * time.Second):
		monitoring.IncrementConnectionsFailed()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.IncrementConnectionsFailed()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	c := &conn{
		netConn:  netConn,
		out:      make(chan []byte, s.cfg.SendBuffer),
		done:     make(chan struct{}),
		remoteIP: ip,
	}
	c.sess = session.New(s.engine, c.send, s.logger)
	s.conns.Store(c, struct{}{})
	monitoring.IncrementConnections()

	s.logger.Debug().
		Str("client_id", c.sess.ID()).
		Str("ip", ip).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// send marshals one outbound envelope onto the connection's queue. A
// full queue fails fast; the graph layer counts that as a slow-client
// strike.
func (c *conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.out <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (s *Server) readPump(c *conn) {
	defer s.wg.Done()
	defer s.closeConn(c, "read_loop_exit")

	msgLimiter := limits.NewMessageLimiter(s.cfg.MessageRate, s.cfg.MessageBurst)

	c.netConn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			return
		}
		c.netConn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !msgLimiter.Allow() {
				s.logger.Warn().
					Str("client_id", c.sess.ID()).
					Msg("Client message rate limited")
				errMsg := wire.NewError("", wire.ErrorBody{
					Message: "too many messages, slow down",
					Code:    "RATE_LIMIT_EXCEEDED",
				})
				if data, err := json.Marshal(errMsg); err == nil {
					select {
					case c.out <- data:
					default:
					}
				}
				continue
			}
			c.sess.Handle(s.ctx, msg)

		case ws.OpClose:
			return
		}
		// gobwas answers pings automatically.
	}
}

func (s *Server) writePump(c *conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConn(c, "write_loop_exit")
	}()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.out:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpText, data); err != nil {
				s.logger.Debug().
					Str("client_id", c.sess.ID()).
					Err(err).
					Int("message_size", len(data)).
					Msg("Failed to write message")
				return
			}
			monitoring.RecordMessageSent(len(data))

		case <-ticker.C:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// closeConn tears one connection down exactly once: session cleanup,
// socket close, slot release.
func (s *Server) closeConn(c *conn, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sess.Close()
		c.netConn.Close()
		s.conns.Delete(c)
		monitoring.DecrementConnections()
		<-s.connectionsSem

		s.logger.Debug().
			Str("client_id", c.sess.ID()).
			Str("reason", reason).
			Msg("Client disconnected")
	})
}

// Shutdown stops accepting, closes every live connection, and waits for
// the pumps to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.cancel()
	s.limiter.Stop()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.conns.Range(func(key, _ any) bool {
		s.closeConn(key.(*conn), "server_shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
