// Package resolver holds the field-resolution layer: entity and operation
// definitions, the per-request batching loader, the value traversal that
// dispatches field resolvers, and selection projection.
package resolver

import (
	"context"
	"sort"

	"github.com/lenshq/lens/internal/emit"
)

// FieldKind classifies how an entity field obtains its value.
type FieldKind int

const (
	// FieldExpose copies the value straight from the source object.
	FieldExpose FieldKind = iota
	// FieldResolve runs the field's resolver function.
	FieldResolve
	// FieldLive runs the resolver for the initial value, then keeps the
	// field fresh through a registered publisher.
	FieldLive
)

// ResolveFunc computes one field for one parent object.
type ResolveFunc func(ctx context.Context, source map[string]any) (any, error)

// BatchFunc computes one field for many parents in a single call. Results
// align by index with sources.
type BatchFunc func(ctx context.Context, sources []map[string]any) ([]any, error)

// EmitFunc carries a publisher's command onto the operation stream.
type EmitFunc func(cmd emit.Command)

// CleanupRegistrar records a teardown hook; hooks run in reverse
// registration order when the stream ends.
type CleanupRegistrar func(fn func())

// Publisher is a live data source. Start must return promptly, emitting
// from its own goroutines; Stop tears the source down and is idempotent.
type Publisher interface {
	Start(ctx context.Context, emit EmitFunc, onCleanup CleanupRegistrar) error
	Stop()
}

// PublisherFactory builds a publisher bound to one resolved source object.
type PublisherFactory func(source map[string]any) Publisher

// Field defines one entity field.
type Field struct {
	Kind      FieldKind
	Resolve   ResolveFunc
	Batch     BatchFunc
	Subscribe PublisherFactory // live fields only
}

// Entity defines a named entity type: its fields and how instances are
// identified.
type Entity struct {
	Name    string
	IDField string // defaults to "id"
	Fields  map[string]*Field
}

func (e *Entity) idField() string {
	if e.IDField == "" {
		return "id"
	}
	return e.IDField
}

// OperationKind tags an operation's execution semantics.
type OperationKind string

const (
	KindQuery        OperationKind = "query"
	KindMutation     OperationKind = "mutation"
	KindSubscription OperationKind = "subscription"
)

// Operation is one named entry point. Validate is the opaque input hook;
// Resolve produces the root value (possibly a <-chan any for streaming
// sources); Subscribe optionally registers a root publisher for
// subscription operations.
type Operation struct {
	Name      string
	Kind      OperationKind
	Validate  func(input map[string]any) error
	Resolve   func(ctx context.Context, input map[string]any) (any, error)
	Subscribe func(input map[string]any) Publisher
}

// Schema is the registry of entities and operations. Build it once at
// startup; it is read-only afterwards and safe for concurrent use.
type Schema struct {
	entities   map[string]*Entity
	operations map[string]*Operation

	// DiscoverByOverlap gates the field-overlap fallback for objects
	// without an explicit type tag.
	DiscoverByOverlap bool
}

func NewSchema() *Schema {
	return &Schema{
		entities:          make(map[string]*Entity),
		operations:        make(map[string]*Operation),
		DiscoverByOverlap: true,
	}
}

// AddEntity registers an entity definition, replacing any previous one
// with the same name.
func (s *Schema) AddEntity(e *Entity) {
	s.entities[e.Name] = e
}

// AddOperation registers an operation under its path.
func (s *Schema) AddOperation(op *Operation) {
	s.operations[op.Name] = op
}

// Operation looks up an operation by path.
func (s *Schema) Operation(path string) (*Operation, bool) {
	op, ok := s.operations[path]
	return op, ok
}

// Entity looks up an entity by name.
func (s *Schema) Entity(name string) (*Entity, bool) {
	e, ok := s.entities[name]
	return e, ok
}

// OperationNames returns the registered operation paths, sorted.
func (s *Schema) OperationNames() []string {
	names := make([]string, 0, len(s.operations))
	for n := range s.operations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EntityNames returns the registered entity names, sorted.
func (s *Schema) EntityNames() []string {
	names := make([]string, 0, len(s.entities))
	for n := range s.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Discover identifies the entity type of an object. An explicit
// __typename/_type tag wins; otherwise, when the overlap fallback is
// enabled, the entity whose defined fields cover at least half of the
// object's keys is chosen, ties to the highest overlap.
func (s *Schema) Discover(obj map[string]any) *Entity {
	if t, ok := obj["__typename"].(string); ok {
		if e, found := s.entities[t]; found {
			return e
		}
	}
	if t, ok := obj["_type"].(string); ok {
		if e, found := s.entities[t]; found {
			return e
		}
	}
	if !s.DiscoverByOverlap || len(obj) == 0 {
		return nil
	}

	var best *Entity
	bestOverlap := 0
	// Deterministic tie-breaking: iterate names in sorted order.
	for _, name := range s.EntityNames() {
		e := s.entities[name]
		overlap := 0
		for f := range e.Fields {
			if _, present := obj[f]; present {
				overlap++
			}
		}
		if overlap*2 >= len(obj) && overlap > bestOverlap {
			best = e
			bestOverlap = overlap
		}
	}
	return best
}
