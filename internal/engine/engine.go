// Package engine executes operations: it validates input, invokes
// resolvers, walks results through the field resolver graph, and drives
// the snapshot/ops/error stream consumed by the session layer.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/graph"
	"github.com/lenshq/lens/internal/monitoring"
	"github.com/lenshq/lens/internal/resolver"
)

// Engine binds a schema to the graph state manager.
type Engine struct {
	schema *resolver.Schema
	graph  *graph.Manager
	logger zerolog.Logger
}

func New(schema *resolver.Schema, g *graph.Manager, logger zerolog.Logger) *Engine {
	return &Engine{
		schema: schema,
		graph:  g,
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Schema exposes the engine's schema for handshake reporting.
func (e *Engine) Schema() *resolver.Schema { return e.schema }

// Graph exposes the bound state manager.
func (e *Engine) Graph() *graph.Manager { return e.graph }

// Execute starts an operation and returns its lazy stream. Every failure
// mode surfaces on the stream as one error message followed by complete;
// Execute itself never fails.
func (e *Engine) Execute(ctx context.Context, clientID, path string, input map[string]any) *Stream {
	opCtx := &opContext{engine: e, clientID: clientID}
	s := newStream(opCtx)
	go e.run(ctx, s, opCtx, path, input)
	return s
}

func (e *Engine) run(ctx context.Context, s *Stream, opCtx *opContext, path string, input map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("path", path).
				Interface("panic_value", r).
				Msg("Operation execution panicked")
			s.pushError(fmt.Errorf("internal error"))
		}
		opCtx.finish()
		s.pushComplete()
	}()

	op, ok := e.schema.Operation(path)
	if !ok {
		monitoring.RecordOperation("unknown", "error")
		s.pushError(fmt.Errorf("%q: %w", path, ErrNotFound))
		return
	}
	kind := string(op.Kind)

	// $select is projection metadata, not operation input: peel it off
	// before validation sees the rest.
	sel := resolver.ParseSelection(input["$select"])
	args := make(map[string]any, len(input))
	for k, v := range input {
		if k != "$select" {
			args[k] = v
		}
	}

	if op.Validate != nil {
		if err := op.Validate(args); err != nil {
			monitoring.RecordOperation(kind, "error")
			s.pushError(&ValidationError{Err: err})
			return
		}
	}

	ctx, cancelCtx := context.WithCancel(context.WithValue(ctx, opContextKey{}, opCtx))
	defer cancelCtx()
	go func() {
		select {
		case <-s.done:
			cancelCtx()
		case <-ctx.Done():
		}
	}()

	result, err := op.Resolve(ctx, args)
	if err != nil {
		monitoring.RecordOperation(kind, "error")
		s.pushError(&ResolverError{Path: path, Err: err})
		return
	}

	// Streaming resolvers yield one snapshot per value.
	if source, streaming := result.(<-chan any); streaming {
		monitoring.RecordOperation(kind, "ok")
		e.pumpSource(ctx, s, sel, source)
		return
	}
	if source, streaming := result.(chan any); streaming {
		monitoring.RecordOperation(kind, "ok")
		e.pumpSource(ctx, s, sel, (<-chan any)(source))
		return
	}

	resolved, live, err := e.resolveValue(ctx, path, result, sel)
	if err != nil {
		monitoring.RecordOperation(kind, "error")
		s.pushError(err)
		return
	}
	monitoring.RecordOperation(kind, "ok")
	s.pushSnapshot(resolved)

	if op.Kind == resolver.KindMutation {
		return
	}

	// Live fields and the operation's own publisher feed ops messages
	// until unsubscribe.
	for _, lf := range live {
		e.startPublisher(ctx, s, opCtx, lf.Factory(lf.Source), lf.Path)
	}
	if op.Subscribe != nil {
		e.startPublisher(ctx, s, opCtx, op.Subscribe(args), "")
	}

	<-s.done
}

// resolveValue walks a resolver result through the field graph and
// projects it by the selection tree.
func (e *Engine) resolveValue(ctx context.Context, path string, v any, sel *resolver.Selection) (any, []resolver.LiveField, error) {
	w := resolver.NewWalker(e.schema)
	resolved, err := w.Walk(ctx, v, sel)
	if err != nil {
		return nil, nil, &ResolverError{Path: path, Err: err}
	}
	for _, fieldErr := range w.FieldErrors {
		// Per-field isolation: the field is already null in the result.
		e.logger.Warn().
			Str("path", path).
			Err(fieldErr).
			Msg("Field resolver failed, collapsed to null")
	}
	return resolver.Project(resolved, sel), w.Live, nil
}

func (e *Engine) pumpSource(ctx context.Context, s *Stream, sel *resolver.Selection, source <-chan any) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case v, ok := <-source:
			if !ok {
				return
			}
			resolved, _, err := e.resolveValue(ctx, "", v, sel)
			if err != nil {
				s.pushError(err)
				return
			}
			s.pushSnapshot(resolved)
		}
	}
}

// startPublisher wires one publisher into the stream: its emits surface
// as path-prefixed ops messages, its Stop runs on stream teardown.
func (e *Engine) startPublisher(ctx context.Context, s *Stream, opCtx *opContext, pub resolver.Publisher, path string) {
	if pub == nil {
		return
	}
	opCtx.onCleanup(pub.Stop)

	emitFn := func(cmd emit.Command) {
		s.pushOps(emit.PrefixPath(cmd, path))
	}
	if err := pub.Start(ctx, emitFn, opCtx.onCleanup); err != nil {
		e.logger.Warn().
			Str("field_path", path).
			Err(err).
			Msg("Publisher failed to start")
	}
}
