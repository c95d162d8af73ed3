// Package session maps one transport connection onto the engine: it
// decodes inbound envelopes, owns the connection's operation streams,
// and writes the resulting outbound envelopes back through the
// transport's send function.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/engine"
	"github.com/lenshq/lens/internal/graph"
	"github.com/lenshq/lens/internal/monitoring"
	"github.com/lenshq/lens/internal/resolver"
	"github.com/lenshq/lens/internal/wire"
)

// MaxStreams bounds concurrently open subscription streams per
// connection. Past the cap new subscriptions are rejected with an error
// envelope instead of starving the rest.
const MaxStreams = 200

// Session is one client connection's protocol state. All exported
// methods are safe for concurrent use, though the transport normally
// calls Handle from a single read loop.
type Session struct {
	id     string
	engine *engine.Engine
	logger zerolog.Logger
	send   graph.SendFunc

	mu      sync.Mutex
	streams map[string]*engine.Stream
	closed  bool
}

// New registers a fresh client on the graph and returns its session.
// send must be safe to call from multiple goroutines.
func New(eng *engine.Engine, send graph.SendFunc, logger zerolog.Logger) *Session {
	s := &Session{
		id:      uuid.NewString(),
		engine:  eng,
		send:    send,
		streams: make(map[string]*engine.Stream),
	}
	s.logger = logger.With().Str("component", "session").Str("client_id", s.id).Logger()
	eng.Graph().AddClient(s.id, send)
	return s
}

// ID is the server-assigned client identity for this connection.
func (s *Session) ID() string { return s.id }

// Handle dispatches one decoded client message.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	monitoring.RecordMessageReceived(len(raw))

	var msg wire.Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendMessage(wire.NewError("", wire.ErrorBody{
			Message: "malformed message: " + err.Error(),
			Code:    "BAD_MESSAGE",
		}))
		return
	}

	switch msg.Type {
	case wire.TypeHandshake:
		s.handleHandshake()
	case wire.TypeOperation:
		s.handleOperation(ctx, msg)
	case wire.TypeSubscribe:
		s.handleSubscribe(ctx, msg)
	case wire.TypeUnsubscribe:
		s.handleUnsubscribe(msg)
	case wire.TypeReconnect:
		s.handleReconnect(msg)
	case wire.TypeHeartbeat:
		s.sendMessage(wire.HeartbeatAck{
			Type:       wire.TypeHeartbeatAck,
			ServerTime: time.Now().UnixMilli(),
		})
	default:
		s.sendMessage(wire.NewError(msg.ID, wire.ErrorBody{
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
			Code:    "BAD_MESSAGE",
		}))
	}
}

func (s *Session) handleHandshake() {
	schema := s.engine.Schema()
	s.sendMessage(wire.Handshake{
		Type: wire.TypeHandshake,
		Data: wire.HandshakeData{
			Version:    wire.ProtocolVersion,
			Operations: schema.OperationNames(),
			Entities:   schema.EntityNames(),
		},
	})
}

// handleOperation runs an operation addressed by path. Mutations and
// unaddressed requests are request/response: the first snapshot or error
// closes the exchange. Query and subscription kinds stay open after the
// response, delivering later changes as subscription envelopes under the
// request id until unsubscribe.
func (s *Session) handleOperation(ctx context.Context, msg wire.Inbound) {
	input, err := decodeInput(msg.Input)
	if err != nil {
		s.sendMessage(wire.NewResponseError(msg.ID, wire.ErrorBody{
			Message: "malformed input: " + err.Error(),
			Code:    "BAD_MESSAGE",
		}))
		return
	}

	op, known := s.engine.Schema().Operation(msg.Path)
	if !known || op.Kind == resolver.KindMutation || msg.ID == "" {
		s.runRequest(ctx, msg, input)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.streams[msg.ID]; dup {
		s.mu.Unlock()
		s.sendMessage(wire.NewResponseError(msg.ID, wire.ErrorBody{
			Message: "operation id already in use",
			Code:    "DUPLICATE_ID",
		}))
		return
	}
	if len(s.streams) >= MaxStreams {
		s.mu.Unlock()
		s.sendMessage(wire.NewResponseError(msg.ID, wire.ErrorBody{
			Message: "too many open subscriptions",
			Code:    "TOO_MANY_STREAMS",
		}))
		return
	}
	stream := s.engine.Execute(ctx, s.id, msg.Path, input)
	s.streams[msg.ID] = stream
	s.mu.Unlock()

	go s.pump(msg.ID, stream, true)
}

// runRequest drives one request/response exchange and cancels the stream
// once the response is out.
func (s *Session) runRequest(ctx context.Context, msg wire.Inbound, input map[string]any) {
	stream := s.engine.Execute(ctx, s.id, msg.Path, input)
	go func() {
		defer stream.Cancel()
		for {
			select {
			case m := <-stream.Messages():
				switch m.Kind {
				case engine.MessageSnapshot:
					s.sendMessage(wire.NewResponse(msg.ID, m.Data))
					return
				case engine.MessageError:
					s.sendMessage(wire.NewResponseError(msg.ID, *m.Err))
					return
				case engine.MessageComplete:
					// Completed without a snapshot: acknowledge with empty data.
					s.sendMessage(wire.NewResponse(msg.ID, nil))
					return
				}
			case <-stream.Finished():
				select {
				case m := <-stream.Messages():
					if m.Kind == engine.MessageSnapshot {
						s.sendMessage(wire.NewResponse(msg.ID, m.Data))
					} else if m.Kind == engine.MessageError {
						s.sendMessage(wire.NewResponseError(msg.ID, *m.Err))
					} else {
						s.sendMessage(wire.NewResponse(msg.ID, nil))
					}
				default:
					s.sendMessage(wire.NewResponse(msg.ID, nil))
				}
				return
			}
		}
	}()
}

// handleSubscribe opens a long-lived stream under the client-chosen id.
func (s *Session) handleSubscribe(ctx context.Context, msg wire.Inbound) {
	if msg.ID == "" {
		s.sendMessage(wire.NewError("", wire.ErrorBody{
			Message: "subscription requires an id",
			Code:    "BAD_MESSAGE",
		}))
		return
	}
	input, err := decodeInput(msg.Input)
	if err != nil {
		s.sendMessage(wire.NewError(msg.ID, wire.ErrorBody{
			Message: "malformed input: " + err.Error(),
			Code:    "BAD_MESSAGE",
		}))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.streams[msg.ID]; dup {
		s.mu.Unlock()
		s.sendMessage(wire.NewError(msg.ID, wire.ErrorBody{
			Message: "subscription id already in use",
			Code:    "DUPLICATE_ID",
		}))
		return
	}
	if len(s.streams) >= MaxStreams {
		s.mu.Unlock()
		s.sendMessage(wire.NewError(msg.ID, wire.ErrorBody{
			Message: "too many open subscriptions",
			Code:    "TOO_MANY_STREAMS",
		}))
		return
	}
	stream := s.engine.Execute(ctx, s.id, msg.Path, input)
	s.streams[msg.ID] = stream
	s.mu.Unlock()

	go s.pump(msg.ID, stream, false)
}

// pump forwards one stream's messages until the terminal complete marker.
// With respond set the first snapshot or error goes out as the operation
// response; everything after rides subscription envelopes. The finished
// signal covers a complete marker lost to a full buffer.
func (s *Session) pump(id string, stream *engine.Stream, respond bool) {
	for {
		select {
		case m := <-stream.Messages():
			if s.forward(id, m, &respond) {
				return
			}
		case <-stream.Finished():
			for {
				select {
				case m := <-stream.Messages():
					if s.forward(id, m, &respond) {
						return
					}
				default:
					s.finishStream(id)
					return
				}
			}
		}
	}
}

// forward delivers one stream message; reports true on the terminal one.
func (s *Session) forward(id string, m engine.Message, respond *bool) bool {
	switch m.Kind {
	case engine.MessageSnapshot:
		if *respond {
			*respond = false
			s.sendMessage(wire.NewResponse(id, m.Data))
			return false
		}
		s.sendMessage(wire.Subscription{
			Type: wire.TypeSubscribe,
			ID:   id,
			Data: m.Data,
		})
	case engine.MessageOps:
		s.sendMessage(wire.Subscription{
			Type:   wire.TypeSubscribe,
			ID:     id,
			Update: m.Command,
		})
	case engine.MessageError:
		if *respond {
			*respond = false
			s.sendMessage(wire.NewResponseError(id, *m.Err))
			return false
		}
		s.sendMessage(wire.Subscription{
			Type:  wire.TypeSubscribe,
			ID:    id,
			Error: m.Err,
		})
	case engine.MessageComplete:
		s.finishStream(id)
		return true
	}
	return false
}

func (s *Session) finishStream(id string) {
	s.dropStream(id)
	s.sendMessage(wire.Complete{Type: wire.TypeComplete, ID: id})
}

func (s *Session) handleUnsubscribe(msg wire.Inbound) {
	s.mu.Lock()
	stream, ok := s.streams[msg.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	// The pump sees the terminal complete and removes the registry entry.
	stream.Cancel()
}

// handleReconnect reconciles the client's claimed subscriptions against
// current state, then re-registers the survivors so future emits reach
// them without a redundant hydrate.
func (s *Session) handleReconnect(msg wire.Inbound) {
	if msg.ProtocolVersion != 0 && msg.ProtocolVersion != wire.ProtocolVersion {
		s.sendMessage(wire.NewError(msg.ReconnectID, wire.ErrorBody{
			Message: fmt.Sprintf("unsupported protocol version %d", msg.ProtocolVersion),
			Code:    "BAD_PROTOCOL",
		}))
		return
	}

	g := s.engine.Graph()
	ack := g.ResolveReconnect(msg.ReconnectID, msg.Subscriptions)
	s.sendMessage(ack)

	for i, res := range ack.Results {
		if res.Status == wire.StatusDeleted || res.Status == wire.StatusError {
			continue
		}
		g.Resubscribe(s.id, res.Entity, res.EntityID, msg.Subscriptions[i].Fields, res.Version)
	}

	s.logger.Info().
		Str("reconnect_id", msg.ReconnectID).
		Int("subscriptions", len(msg.Subscriptions)).
		Int64("processing_ms", ack.ProcessingTime).
		Msg("Reconnect resolved")
}

// Close tears the session down: every stream cancels and the client
// leaves the graph. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*engine.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = nil
	s.mu.Unlock()

	for _, st := range streams {
		st.Cancel()
	}
	s.engine.Graph().RemoveClient(s.id)
	s.logger.Debug().Msg("Session closed")
}

func (s *Session) dropStream(id string) {
	s.mu.Lock()
	if s.streams != nil {
		delete(s.streams, id)
	}
	s.mu.Unlock()
}

func (s *Session) sendMessage(msg any) {
	if err := s.send(msg); err != nil {
		s.logger.Debug().Err(err).Msg("Send failed")
	}
}

func decodeInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
