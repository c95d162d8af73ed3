// Package codec computes and applies per-field updates. Create picks the
// cheapest wire strategy for an (old, new) pair; Apply is its exact
// inverse and is the same code path a client mirror runs. The contract,
// for any old != new:
//
//	Apply(old, Create(old, new)) == new (structural equality)
package codec

import (
	"encoding/json"
	"fmt"
)

// Strategy selects the wire format of one field's change.
type Strategy string

const (
	StrategyValue Strategy = "value"
	StrategyDelta Strategy = "delta"
	StrategyPatch Strategy = "patch"
	StrategyArray Strategy = "array"
)

// Update is one field's change in a chosen strategy.
type Update struct {
	Strategy Strategy `json:"strategy"`
	Data     any      `json:"data"`
}

// ValueUpdate wraps v in the value strategy.
func ValueUpdate(v any) Update {
	return Update{Strategy: StrategyValue, Data: v}
}

// deltaMinLength is the smallest new-string length worth delta encoding.
const deltaMinLength = 100

// Create computes the update that transforms old into new.
//
// Strings above deltaMinLength whose common prefix/suffix covers at least
// half of the new value ship as a run-length delta. Objects ship as an
// RFC 6902 patch. Arrays ship as indexed ops unless the diff degenerates
// to a whole replace. Everything else ships the raw value.
func Create(oldV, newV any) Update {
	if oldS, ok := oldV.(string); ok {
		if newS, ok := newV.(string); ok && len(newS) >= deltaMinLength {
			if ops, ok := makeDelta(oldS, newS); ok {
				return Update{Strategy: StrategyDelta, Data: ops}
			}
			return ValueUpdate(newV)
		}
	}
	if oldM, ok := oldV.(map[string]any); ok {
		if newM, ok := newV.(map[string]any); ok {
			return Update{Strategy: StrategyPatch, Data: DiffObjects(oldM, newM)}
		}
	}
	if oldA, ok := oldV.([]any); ok {
		if newA, ok := newV.([]any); ok {
			ops, replace := DiffArrays(oldA, newA)
			if replace {
				return ValueUpdate(newV)
			}
			return Update{Strategy: StrategyArray, Data: ops}
		}
	}
	return ValueUpdate(newV)
}

// Apply transforms base according to the update. Wire-decoded updates
// (where Data is generic JSON) and locally-built ones (typed op slices)
// are both accepted.
func Apply(base any, u Update) (any, error) {
	switch u.Strategy {
	case StrategyValue:
		return u.Data, nil

	case StrategyDelta:
		s, ok := base.(string)
		if !ok && base != nil {
			return nil, fmt.Errorf("codec: delta update on non-string base %T", base)
		}
		ops, err := decodeAs[[]DeltaOp](u.Data)
		if err != nil {
			return nil, fmt.Errorf("codec: bad delta data: %w", err)
		}
		return applyDelta(s, ops)

	case StrategyPatch:
		m, ok := base.(map[string]any)
		if !ok {
			if base != nil {
				return nil, fmt.Errorf("codec: patch update on non-object base %T", base)
			}
			m = map[string]any{}
		}
		ops, err := decodeAs[[]PatchOp](u.Data)
		if err != nil {
			return nil, fmt.Errorf("codec: bad patch data: %w", err)
		}
		return ApplyPatch(m, ops)

	case StrategyArray:
		arr, ok := base.([]any)
		if !ok {
			if base != nil {
				return nil, fmt.Errorf("codec: array update on non-array base %T", base)
			}
			arr = nil
		}
		ops, err := decodeAs[[]ArrayOp](u.Data)
		if err != nil {
			return nil, fmt.Errorf("codec: bad array data: %w", err)
		}
		return ApplyArrayOps(arr, ops)

	default:
		return nil, fmt.Errorf("codec: unknown strategy %q", u.Strategy)
	}
}

// decodeAs coerces wire-decoded generic JSON into a typed op slice. Typed
// input passes through untouched.
func decodeAs[T any](data any) (T, error) {
	if typed, ok := data.(T); ok {
		return typed, nil
	}
	var out T
	b, err := json.Marshal(data)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}
