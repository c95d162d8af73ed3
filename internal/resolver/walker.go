package resolver

import (
	"context"
	"fmt"
)

// LiveField is a live publisher discovered during traversal, keyed by the
// dotted field path it feeds. The engine starts these once the initial
// snapshot is out; their emits surface path-prefixed on the operation
// stream.
type LiveField struct {
	Path    string
	Source  map[string]any
	Factory PublisherFactory
}

// Walker traverses a resolved root value, dispatching entity field
// resolvers level by level. One walker serves one execution: it owns the
// loader table, the visited set for cycle cut-off, and the collected live
// registrations.
type Walker struct {
	schema  *Schema
	loader  *Loader
	visited map[string]struct{}

	// Live is populated during Walk.
	Live []LiveField

	// FieldErrors collects resolver failures; each failing field collapsed
	// to null without aborting its siblings.
	FieldErrors []error
}

func NewWalker(schema *Schema) *Walker {
	return &Walker{
		schema:  schema,
		loader:  NewLoader(),
		visited: make(map[string]struct{}),
	}
}

// Walk resolves v against the schema, restricted to sel, and returns the
// resolved value. Objects that discover to an entity run that entity's
// resolvers; arrays of one entity type resolve as a single batched wave.
func (w *Walker) Walk(ctx context.Context, v any, sel *Selection) (any, error) {
	return w.walk(ctx, v, sel, "")
}

func (w *Walker) walk(ctx context.Context, v any, sel *Selection, path string) (any, error) {
	switch t := v.(type) {
	case []any:
		if sources, e := w.entityWave(t); e != nil {
			return w.resolveWave(ctx, e, sources, sel, path)
		}
		out := make([]any, len(t))
		for i, elem := range t {
			resolved, err := w.walk(ctx, elem, sel, path)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	case map[string]any:
		if e := w.schema.Discover(t); e != nil {
			resolved, err := w.resolveWave(ctx, e, []map[string]any{t}, sel, path)
			if err != nil {
				return nil, err
			}
			return resolved.([]any)[0], nil
		}
		out := make(map[string]any, len(t))
		for f, fv := range t {
			if !sel.Has(f) {
				continue
			}
			childPath := joinFieldPath(path, f)
			resolved, err := w.walk(ctx, fv, sel.Child(f), childPath)
			if err != nil {
				return nil, err
			}
			out[f] = resolved
		}
		return out, nil

	default:
		return v, nil
	}
}

// entityWave reports whether every element of arr is an object discovering
// to the same entity, enabling one batched resolution wave.
func (w *Walker) entityWave(arr []any) ([]map[string]any, *Entity) {
	if len(arr) == 0 {
		return nil, nil
	}
	sources := make([]map[string]any, len(arr))
	var entity *Entity
	for i, elem := range arr {
		obj, ok := elem.(map[string]any)
		if !ok {
			return nil, nil
		}
		e := w.schema.Discover(obj)
		if e == nil || (entity != nil && e != entity) {
			return nil, nil
		}
		entity = e
		sources[i] = obj
	}
	return sources, entity
}

// resolveWave resolves one entity type for a wave of parents: exposed
// fields copy through, resolver fields batch via the loader, live fields
// additionally register their publisher. Already-visited instances
// short-circuit to an id stub so cycles terminate.
func (w *Walker) resolveWave(ctx context.Context, e *Entity, sources []map[string]any, sel *Selection, path string) (any, error) {
	idField := e.idField()

	out := make([]any, len(sources))
	results := make([]map[string]any, 0, len(sources))
	fresh := make([]map[string]any, 0, len(sources))
	for i, src := range sources {
		node := make(map[string]any)
		if id, ok := src[idField]; ok {
			node[idField] = id
			key := fmt.Sprintf("%s:%v", e.Name, id)
			if _, seen := w.visited[key]; seen {
				out[i] = node
				continue
			}
			w.visited[key] = struct{}{}
		}
		out[i] = node
		results = append(results, node)
		fresh = append(fresh, src)
	}
	if len(fresh) == 0 {
		return out, nil
	}

	for fieldName, field := range e.Fields {
		if fieldName == idField || !sel.Has(fieldName) {
			continue
		}
		childPath := joinFieldPath(path, fieldName)

		var values []any
		switch field.Kind {
		case FieldExpose:
			values = make([]any, len(fresh))
			for i, src := range fresh {
				values[i] = src[fieldName]
			}
		case FieldResolve, FieldLive:
			resolved, err := w.loader.LoadWave(ctx, e, fieldName, field, fresh)
			if err != nil {
				w.FieldErrors = append(w.FieldErrors, err)
				values = make([]any, len(fresh))
			} else {
				values = resolved
			}
			if field.Kind == FieldLive && field.Subscribe != nil {
				for _, src := range fresh {
					w.Live = append(w.Live, LiveField{
						Path:    childPath,
						Source:  src,
						Factory: field.Subscribe,
					})
				}
			}
		}

		for i, node := range results {
			resolved, err := w.walk(ctx, values[i], sel.Child(fieldName), childPath)
			if err != nil {
				return nil, err
			}
			node[fieldName] = resolved
		}
	}

	return out, nil
}

func joinFieldPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}
