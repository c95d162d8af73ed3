package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/engine"
	"github.com/lenshq/lens/internal/graph"
	"github.com/lenshq/lens/internal/oplog"
	"github.com/lenshq/lens/internal/resolver"
	"github.com/lenshq/lens/internal/wire"
)

func newTestSession(t *testing.T) (*Session, chan any) {
	t.Helper()
	g := graph.New(graph.Config{}, oplog.New(oplog.Config{}), zerolog.Nop())
	schema := resolver.NewSchema()
	schema.AddOperation(&resolver.Operation{
		Name: "echo",
		Kind: resolver.KindMutation,
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"echo": input["msg"]}, nil
		},
	})
	schema.AddOperation(&resolver.Operation{
		Name: "hold",
		Kind: resolver.KindQuery,
		Resolve: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	})
	eng := engine.New(schema, g, zerolog.Nop())

	out := make(chan any, 64)
	sess := New(eng, func(msg any) error {
		out <- msg
		return nil
	}, zerolog.Nop())
	t.Cleanup(sess.Close)
	return sess, out
}

func next(t *testing.T, out chan any) any {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func handle(t *testing.T, sess *Session, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	sess.Handle(context.Background(), raw)
}

func TestHandshake(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{"type": "handshake"})

	hs, ok := next(t, out).(wire.Handshake)
	if !ok {
		t.Fatal("reply is not a handshake")
	}
	if hs.Data.Version != wire.ProtocolVersion {
		t.Errorf("version = %d, want %d", hs.Data.Version, wire.ProtocolVersion)
	}
	found := false
	for _, op := range hs.Data.Operations {
		if op == "echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("operations = %v, missing echo", hs.Data.Operations)
	}
}

func TestMalformedMessage(t *testing.T) {
	sess, out := newTestSession(t)
	sess.Handle(context.Background(), []byte("{not json"))

	errMsg, ok := next(t, out).(wire.Error)
	if !ok {
		t.Fatal("reply is not an error")
	}
	if errMsg.Error.Code != "BAD_MESSAGE" {
		t.Errorf("code = %s, want BAD_MESSAGE", errMsg.Error.Code)
	}
}

func TestOperationResponse(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{
		"type":  "operation",
		"id":    "req-1",
		"path":  "echo",
		"input": map[string]any{"msg": "hi"},
	})

	resp, ok := next(t, out).(wire.Response)
	if !ok {
		t.Fatal("reply is not a response")
	}
	if resp.ID != "req-1" {
		t.Errorf("response id = %s, want req-1", resp.ID)
	}
	if resp.Data.(map[string]any)["echo"] != "hi" {
		t.Errorf("response data = %v", resp.Data)
	}
}

func TestOperationUnknownPath(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{
		"type": "operation",
		"id":   "req-1",
		"path": "no.such.op",
	})

	resp, ok := next(t, out).(wire.Response)
	if !ok {
		t.Fatal("reply is not a response")
	}
	if resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("response error = %+v, want NOT_FOUND", resp.Error)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{
		"type": "subscription",
		"id":   "sub-1",
		"path": "hold",
	})

	sub, ok := next(t, out).(wire.Subscription)
	if !ok {
		t.Fatal("first message is not a subscription envelope")
	}
	if sub.ID != "sub-1" || sub.Data.(map[string]any)["ok"] != true {
		t.Errorf("snapshot = %+v", sub)
	}

	handle(t, sess, map[string]any{"type": "unsubscribe", "id": "sub-1"})
	done, ok := next(t, out).(wire.Complete)
	if !ok {
		t.Fatal("unsubscribe did not produce a complete envelope")
	}
	if done.ID != "sub-1" {
		t.Errorf("complete id = %s, want sub-1", done.ID)
	}

	// The id is free again once completed.
	handle(t, sess, map[string]any{
		"type": "subscription",
		"id":   "sub-1",
		"path": "hold",
	})
	if _, ok := next(t, out).(wire.Subscription); !ok {
		t.Error("reused id rejected after completion")
	}
}

func TestSubscriptionDuplicateID(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{"type": "subscription", "id": "sub-1", "path": "hold"})
	next(t, out) // snapshot

	handle(t, sess, map[string]any{"type": "subscription", "id": "sub-1", "path": "hold"})
	errMsg, ok := next(t, out).(wire.Error)
	if !ok {
		t.Fatal("duplicate id did not produce an error")
	}
	if errMsg.Error.Code != "DUPLICATE_ID" {
		t.Errorf("code = %s, want DUPLICATE_ID", errMsg.Error.Code)
	}
}

func TestSubscriptionRequiresID(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{"type": "subscription", "path": "hold"})

	errMsg, ok := next(t, out).(wire.Error)
	if !ok || errMsg.Error.Code != "BAD_MESSAGE" {
		t.Errorf("reply = %+v, want BAD_MESSAGE error", errMsg)
	}
}

func TestHeartbeat(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{"type": "heartbeat", "clientTime": 123})

	ack, ok := next(t, out).(wire.HeartbeatAck)
	if !ok {
		t.Fatal("reply is not a heartbeat ack")
	}
	if ack.ServerTime <= 0 {
		t.Error("server time missing")
	}
}

func TestReconnectAck(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{
		"type":        "reconnect",
		"reconnectId": "r-1",
		"subscriptions": []any{
			map[string]any{"id": "s1", "entity": "ghost", "entityId": "9", "version": 3},
		},
	})

	ack, ok := next(t, out).(wire.ReconnectAck)
	if !ok {
		t.Fatal("reply is not a reconnect ack")
	}
	if ack.ReconnectID != "r-1" || len(ack.Results) != 1 {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Results[0].Status != wire.StatusDeleted {
		t.Errorf("status = %s, want deleted", ack.Results[0].Status)
	}
}

func TestUnknownMessageType(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{"type": "bogus", "id": "x"})

	errMsg, ok := next(t, out).(wire.Error)
	if !ok || errMsg.Error.Code != "BAD_MESSAGE" {
		t.Errorf("reply = %+v, want BAD_MESSAGE error", errMsg)
	}
}

// tickPublisher hands its emit function to the test once started.
type tickPublisher struct {
	started chan struct{}
	emit    resolver.EmitFunc
}

func (p *tickPublisher) Start(_ context.Context, emitFn resolver.EmitFunc, _ resolver.CleanupRegistrar) error {
	p.emit = emitFn
	close(p.started)
	return nil
}

func (p *tickPublisher) Stop() {}

func TestOperationLiveQueryStreamsUpdates(t *testing.T) {
	g := graph.New(graph.Config{}, oplog.New(oplog.Config{}), zerolog.Nop())
	schema := resolver.NewSchema()
	pub := &tickPublisher{started: make(chan struct{})}
	schema.AddOperation(&resolver.Operation{
		Name: "ticker",
		Kind: resolver.KindQuery,
		Resolve: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"price": float64(1)}, nil
		},
		Subscribe: func(_ map[string]any) resolver.Publisher { return pub },
	})
	eng := engine.New(schema, g, zerolog.Nop())

	out := make(chan any, 64)
	sess := New(eng, func(msg any) error {
		out <- msg
		return nil
	}, zerolog.Nop())
	t.Cleanup(sess.Close)

	handle(t, sess, map[string]any{"type": "operation", "id": "q1", "path": "ticker"})

	resp, ok := next(t, out).(wire.Response)
	if !ok {
		t.Fatal("first message is not a response")
	}
	if resp.ID != "q1" || resp.Data.(map[string]any)["price"] != float64(1) {
		t.Fatalf("response = %+v", resp)
	}

	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher never started")
	}
	pub.emit(emit.Command{Type: emit.CommandFull, Data: map[string]any{"price": float64(2)}})

	sub, ok := next(t, out).(wire.Subscription)
	if !ok {
		t.Fatal("live change did not arrive as a subscription envelope")
	}
	if sub.ID != "q1" || sub.Update == nil {
		t.Errorf("subscription = %+v, want an update under q1", sub)
	}

	handle(t, sess, map[string]any{"type": "unsubscribe", "id": "q1"})
	done, ok := next(t, out).(wire.Complete)
	if !ok || done.ID != "q1" {
		t.Errorf("unsubscribe reply = %#v, want complete for q1", done)
	}
}

func TestOperationMutationStaysRequestResponse(t *testing.T) {
	sess, out := newTestSession(t)
	handle(t, sess, map[string]any{
		"type":  "operation",
		"id":    "req-9",
		"path":  "echo",
		"input": map[string]any{"msg": "once"},
	})

	if _, ok := next(t, out).(wire.Response); !ok {
		t.Fatal("mutation reply is not a response")
	}
	select {
	case extra := <-out:
		t.Fatalf("mutation produced a second message: %#v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
