package engine

import (
	"context"
	"sync"

	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/monitoring"
)

// opContext carries one execution's mutable state: the cleanup hook list
// and the graph subscriptions the operation created. It replaces closure
// capture with an explicit struct so ownership is visible.
type opContext struct {
	engine   *Engine
	clientID string

	mu       sync.Mutex
	cleanups []func()
	subs     []subRef
	finished bool
}

type subRef struct {
	entity string
	id     string
}

// Op is the handle resolver code reaches through its context: emit
// commands into the graph, create subscriptions owned by this operation,
// and register teardown hooks.
type Op struct {
	ctx *opContext
}

type opContextKey struct{}

// FromContext extracts the operation handle inside a resolver. The second
// return is false outside of an execution.
func FromContext(ctx context.Context) (*Op, bool) {
	oc, ok := ctx.Value(opContextKey{}).(*opContext)
	if !ok {
		return nil, false
	}
	return &Op{ctx: oc}, true
}

// ClientID identifies the requesting client; empty for server-internal
// executions.
func (o *Op) ClientID() string { return o.ctx.clientID }

// Emit funnels a command into the graph state manager.
func (o *Op) Emit(entity, id string, cmd emit.Command) error {
	return o.ctx.engine.graph.ProcessCommand(entity, id, cmd)
}

// Subscribe registers the requesting client on an entity. The
// subscription is owned by this operation: stream cancellation removes
// it.
func (o *Op) Subscribe(entity, id string, fields []string) {
	oc := o.ctx
	if oc.clientID == "" {
		return
	}
	oc.engine.graph.Subscribe(oc.clientID, entity, id, fields)
	oc.mu.Lock()
	oc.subs = append(oc.subs, subRef{entity: entity, id: id})
	oc.mu.Unlock()
}

// OnCleanup registers a teardown hook; hooks run in reverse registration
// order when the stream completes or is cancelled.
func (o *Op) OnCleanup(fn func()) { o.ctx.onCleanup(fn) }

func (oc *opContext) onCleanup(fn func()) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.finished {
		// Late registration during teardown: run it now, outside the list.
		go runHook(oc.engine, fn)
		return
	}
	oc.cleanups = append(oc.cleanups, fn)
}

// finish runs cleanup hooks in reverse order and removes the operation's
// subscriptions. A hook that panics is logged and does not block the
// rest. Idempotent.
func (oc *opContext) finish() {
	oc.mu.Lock()
	if oc.finished {
		oc.mu.Unlock()
		return
	}
	oc.finished = true
	cleanups := oc.cleanups
	subs := oc.subs
	oc.cleanups = nil
	oc.subs = nil
	oc.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		runHook(oc.engine, cleanups[i])
	}
	for _, ref := range subs {
		oc.engine.graph.Unsubscribe(oc.clientID, ref.entity, ref.id)
	}
}

func runHook(e *Engine, fn func()) {
	defer monitoring.RecoverPanic(e.logger, "cleanup hook", nil)
	fn()
}
