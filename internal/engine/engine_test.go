package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/graph"
	"github.com/lenshq/lens/internal/oplog"
	"github.com/lenshq/lens/internal/resolver"
)

func newTestEngine(t *testing.T, build func(s *resolver.Schema)) (*Engine, *graph.Manager) {
	t.Helper()
	g := graph.New(graph.Config{}, oplog.New(oplog.Config{}), zerolog.Nop())
	schema := resolver.NewSchema()
	if build != nil {
		build(schema)
	}
	return New(schema, g, zerolog.Nop()), g
}

func nextMessage(t *testing.T, s *Stream) Message {
	t.Helper()
	select {
	case m := <-s.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return Message{}
	}
}

func expectKinds(t *testing.T, s *Stream, kinds ...MessageKind) []Message {
	t.Helper()
	msgs := make([]Message, 0, len(kinds))
	for _, want := range kinds {
		m := nextMessage(t, s)
		if m.Kind != want {
			t.Fatalf("message kind = %s, want %s (err=%+v)", m.Kind, want, m.Err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestExecuteUnknownOperation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	s := eng.Execute(context.Background(), "", "no.such.op", nil)

	msgs := expectKinds(t, s, MessageError, MessageComplete)
	if msgs[0].Err.Code != "NOT_FOUND" {
		t.Errorf("error code = %s, want NOT_FOUND", msgs[0].Err.Code)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	eng, _ := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "posts.create",
			Kind: resolver.KindMutation,
			Validate: func(input map[string]any) error {
				return errors.New("title is required")
			},
			Resolve: func(_ context.Context, _ map[string]any) (any, error) {
				t.Error("resolve ran after failed validation")
				return nil, nil
			},
		})
	})
	s := eng.Execute(context.Background(), "", "posts.create", map[string]any{})

	msgs := expectKinds(t, s, MessageError, MessageComplete)
	if msgs[0].Err.Code != "VALIDATION_ERROR" {
		t.Errorf("error code = %s, want VALIDATION_ERROR", msgs[0].Err.Code)
	}
}

func TestExecuteMutationSnapshotThenComplete(t *testing.T) {
	eng, _ := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "posts.create",
			Kind: resolver.KindMutation,
			Resolve: func(_ context.Context, input map[string]any) (any, error) {
				return map[string]any{"created": true}, nil
			},
		})
	})
	s := eng.Execute(context.Background(), "", "posts.create", nil)

	msgs := expectKinds(t, s, MessageSnapshot, MessageComplete)
	data := msgs[0].Data.(map[string]any)
	if data["created"] != true {
		t.Errorf("snapshot = %v", data)
	}
}

func TestExecuteQueryOpenUntilCancel(t *testing.T) {
	eng, _ := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "posts.get",
			Kind: resolver.KindQuery,
			Resolve: func(_ context.Context, _ map[string]any) (any, error) {
				return map[string]any{"title": "hello"}, nil
			},
		})
	})
	s := eng.Execute(context.Background(), "", "posts.get", nil)
	expectKinds(t, s, MessageSnapshot)

	select {
	case m := <-s.Messages():
		t.Fatalf("query stream closed early with %s", m.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	s.Cancel()
	expectKinds(t, s, MessageComplete)
}

func TestExecuteResolverError(t *testing.T) {
	eng, _ := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "posts.get",
			Kind: resolver.KindQuery,
			Resolve: func(_ context.Context, _ map[string]any) (any, error) {
				return nil, errors.New("backend down")
			},
		})
	})
	s := eng.Execute(context.Background(), "", "posts.get", nil)

	msgs := expectKinds(t, s, MessageError, MessageComplete)
	if msgs[0].Err.Code != "RESOLVER_ERROR" {
		t.Errorf("error code = %s, want RESOLVER_ERROR", msgs[0].Err.Code)
	}
}

func TestExecuteAppliesSelect(t *testing.T) {
	eng, _ := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "posts.get",
			Kind: resolver.KindMutation,
			Validate: func(input map[string]any) error {
				if _, leaked := input["$select"]; leaked {
					return errors.New("$select leaked into validation")
				}
				return nil
			},
			Resolve: func(_ context.Context, _ map[string]any) (any, error) {
				return map[string]any{"id": "1", "title": "hello", "body": "hidden"}, nil
			},
		})
	})
	s := eng.Execute(context.Background(), "", "posts.get", map[string]any{
		"$select": []any{"title"},
	})

	msgs := expectKinds(t, s, MessageSnapshot, MessageComplete)
	data := msgs[0].Data.(map[string]any)
	if data["title"] != "hello" {
		t.Error("selected field missing")
	}
	if _, ok := data["body"]; ok {
		t.Error("unselected field survived")
	}
}

func TestExecuteStreamingResolver(t *testing.T) {
	source := make(chan any, 2)
	source <- map[string]any{"n": float64(1)}
	source <- map[string]any{"n": float64(2)}
	close(source)

	eng, _ := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "numbers.stream",
			Kind: resolver.KindSubscription,
			Resolve: func(_ context.Context, _ map[string]any) (any, error) {
				return (<-chan any)(source), nil
			},
		})
	})
	s := eng.Execute(context.Background(), "", "numbers.stream", nil)

	msgs := expectKinds(t, s, MessageSnapshot, MessageSnapshot, MessageComplete)
	if msgs[1].Data.(map[string]any)["n"] != float64(2) {
		t.Errorf("second snapshot = %v", msgs[1].Data)
	}
}

func TestCleanupHooksReverseOrder(t *testing.T) {
	order := make(chan string, 2)
	eng, _ := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "watch",
			Kind: resolver.KindQuery,
			Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
				op, ok := FromContext(ctx)
				if !ok {
					return nil, errors.New("no op context")
				}
				op.OnCleanup(func() { order <- "first" })
				op.OnCleanup(func() { order <- "second" })
				return map[string]any{}, nil
			},
		})
	})
	s := eng.Execute(context.Background(), "", "watch", nil)
	expectKinds(t, s, MessageSnapshot)

	s.Cancel()
	expectKinds(t, s, MessageComplete)

	if got := <-order; got != "second" {
		t.Errorf("first hook run = %s, want second (reverse order)", got)
	}
	if got := <-order; got != "first" {
		t.Errorf("second hook run = %s, want first", got)
	}
}

func TestOpSubscribeDropsOnCancel(t *testing.T) {
	eng, g := newTestEngine(t, func(s *resolver.Schema) {
		s.AddOperation(&resolver.Operation{
			Name: "posts.watch",
			Kind: resolver.KindQuery,
			Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
				op, _ := FromContext(ctx)
				op.Subscribe("post", "42", nil)
				return map[string]any{}, nil
			},
		})
	})

	sends := make(chan any, 16)
	g.AddClient("c1", func(msg any) error {
		sends <- msg
		return nil
	})

	s := eng.Execute(context.Background(), "c1", "posts.watch", nil)
	expectKinds(t, s, MessageSnapshot)

	g.Emit("post", "42", map[string]any{"title": "hello"}, false)
	select {
	case <-sends:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never delivered")
	}

	s.Cancel()
	expectKinds(t, s, MessageComplete)

	g.Emit("post", "42", map[string]any{"title": "changed"}, false)
	select {
	case msg := <-sends:
		t.Fatalf("update after cancel: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamFinishedSurvivesFullBuffer(t *testing.T) {
	s := newStream(&opContext{})
	for i := 0; i < cap(s.msgs); i++ {
		s.pushOps(emit.Command{Type: emit.CommandFull, Data: map[string]any{}})
	}
	s.pushComplete()

	select {
	case <-s.Finished():
	case <-time.After(time.Second):
		t.Fatal("finished signal never fired")
	}

	// The buffer was full when the complete marker was pushed; the
	// finished signal still marks termination for the consumer.
	drained := 0
	for {
		select {
		case m := <-s.Messages():
			if m.Kind == MessageComplete {
				t.Fatal("complete marker fit in a full buffer")
			}
			drained++
		default:
			if drained != cap(s.msgs) {
				t.Fatalf("drained %d messages, want %d", drained, cap(s.msgs))
			}
			return
		}
	}
}

func TestStreamFinishedAfterNormalComplete(t *testing.T) {
	s := newStream(&opContext{})
	s.pushSnapshot(map[string]any{"ok": true})
	s.pushComplete()

	if m := nextMessage(t, s); m.Kind != MessageSnapshot {
		t.Fatalf("first message = %s, want snapshot", m.Kind)
	}
	if m := nextMessage(t, s); m.Kind != MessageComplete {
		t.Fatalf("second message = %s, want complete", m.Kind)
	}
	select {
	case <-s.Finished():
	case <-time.After(time.Second):
		t.Fatal("finished signal never fired")
	}
}
