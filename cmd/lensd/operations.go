package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/engine"
	"github.com/lenshq/lens/internal/graph"
	"github.com/lenshq/lens/internal/resolver"
)

// registerBuiltins installs the generic entity operations every
// deployment gets: point reads, watches, server-side emits, and a
// stats query.
func registerBuiltins(schema *resolver.Schema, g *graph.Manager) {
	schema.AddOperation(&resolver.Operation{
		Name:     "entity.get",
		Kind:     resolver.KindQuery,
		Validate: requireEntityAddress,
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			entity, id := entityAddress(input)
			state, ok := g.CanonicalState(entity, id)
			if !ok {
				return nil, fmt.Errorf("entity %s:%s not found", entity, id)
			}
			return state, nil
		},
	})

	schema.AddOperation(&resolver.Operation{
		Name:     "entity.watch",
		Kind:     resolver.KindSubscription,
		Validate: requireEntityAddress,
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			entity, id := entityAddress(input)
			fields := stringSlice(input["fields"])

			op, ok := engine.FromContext(ctx)
			if !ok {
				return nil, fmt.Errorf("watch outside an operation context")
			}
			op.Subscribe(entity, id, fields)

			// The subscription's hydrate update carries current state; the
			// snapshot here just confirms the watch is live.
			state, _ := g.CanonicalState(entity, id)
			if state == nil {
				state = map[string]any{}
			}
			if fs := graph.NewFieldSet(fields); !fs.All() {
				filtered := make(map[string]any, len(fields))
				for f, v := range state {
					if fs.Has(f) {
						filtered[f] = v
					}
				}
				state = filtered
			}
			return map[string]any{
				"entity":  entity,
				"id":      id,
				"version": g.Version(entity, id),
				"state":   state,
			}, nil
		},
	})

	schema.AddOperation(&resolver.Operation{
		Name:     "entity.emit",
		Kind:     resolver.KindMutation,
		Validate: requireEntityAddress,
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			entity, id := entityAddress(input)
			cmd, err := decodeCommand(input["command"])
			if err != nil {
				return nil, err
			}
			if err := g.ProcessCommand(entity, id, cmd); err != nil {
				return nil, err
			}
			return map[string]any{
				"entity":  entity,
				"id":      id,
				"version": g.Version(entity, id),
			}, nil
		},
	})

	schema.AddOperation(&resolver.Operation{
		Name: "system.stats",
		Kind: resolver.KindQuery,
		Resolve: func(_ context.Context, _ map[string]any) (any, error) {
			return g.Stats(), nil
		},
	})
}

func requireEntityAddress(input map[string]any) error {
	entity, id := entityAddress(input)
	if entity == "" {
		return fmt.Errorf("entity is required")
	}
	if id == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func entityAddress(input map[string]any) (string, string) {
	entity, _ := input["entity"].(string)
	id, _ := input["id"].(string)
	return entity, id
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		if s, ok := elem.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// decodeCommand round-trips a JSON-decoded command object into the typed
// EmitCommand union.
func decodeCommand(v any) (emit.Command, error) {
	if v == nil {
		return emit.Command{}, fmt.Errorf("command is required")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return emit.Command{}, fmt.Errorf("encode command: %w", err)
	}
	var cmd emit.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return emit.Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return emit.Command{}, fmt.Errorf("command type is required")
	}
	return cmd, nil
}
