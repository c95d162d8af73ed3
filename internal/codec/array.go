package codec

import (
	"fmt"

	"github.com/lenshq/lens/internal/value"
)

// ArrayOpType enumerates the indexed array operations.
type ArrayOpType string

const (
	ArrayPush       ArrayOpType = "push"
	ArrayUnshift    ArrayOpType = "unshift"
	ArrayInsert     ArrayOpType = "insert"
	ArrayRemove     ArrayOpType = "remove"
	ArrayRemoveByID ArrayOpType = "removeById"
	ArrayUpdate     ArrayOpType = "update"
	ArrayUpdateByID ArrayOpType = "updateById"
	ArrayMerge      ArrayOpType = "merge"
	ArrayMergeByID  ArrayOpType = "mergeById"
)

// ArrayOp is one array mutation. Index-addressed ops use Index; id-addressed
// ops match the first element whose "id" field equals ID. Item carries a
// single element, Items a batch (push/unshift), Data a merge payload or an
// update replacement.
type ArrayOp struct {
	Type  ArrayOpType `json:"type"`
	Index int         `json:"index,omitempty"`
	ID    any         `json:"id,omitempty"`
	Item  any         `json:"item,omitempty"`
	Items []any       `json:"items,omitempty"`
	Data  any         `json:"data,omitempty"`
}

func (op ArrayOp) payload() any {
	if op.Item != nil {
		return op.Item
	}
	return op.Data
}

func (op ArrayOp) batch() []any {
	if len(op.Items) > 0 {
		return op.Items
	}
	if op.Item != nil {
		return []any{op.Item}
	}
	return nil
}

func elementID(elem any) (any, bool) {
	m, ok := elem.(map[string]any)
	if !ok {
		return nil, false
	}
	id, ok := m["id"]
	return id, ok
}

func findByID(arr []any, id any) int {
	for i, elem := range arr {
		if eid, ok := elementID(elem); ok && value.Equal(eid, id) {
			return i
		}
	}
	return -1
}

// ApplyArrayOp applies one op and returns a new slice; the input is never
// mutated. Id-addressed ops whose id is absent are no-ops, so replayed
// removals stay idempotent.
func ApplyArrayOp(arr []any, op ArrayOp) ([]any, error) {
	switch op.Type {
	case ArrayPush:
		out := make([]any, 0, len(arr)+len(op.batch()))
		out = append(out, arr...)
		return append(out, op.batch()...), nil

	case ArrayUnshift:
		items := op.batch()
		out := make([]any, 0, len(arr)+len(items))
		out = append(out, items...)
		return append(out, arr...), nil

	case ArrayInsert:
		items := op.batch()
		if op.Index < 0 || op.Index > len(arr) {
			return nil, fmt.Errorf("codec: insert index %d out of range (len %d)", op.Index, len(arr))
		}
		out := make([]any, 0, len(arr)+len(items))
		out = append(out, arr[:op.Index]...)
		out = append(out, items...)
		return append(out, arr[op.Index:]...), nil

	case ArrayRemove:
		if op.Index < 0 || op.Index >= len(arr) {
			return nil, fmt.Errorf("codec: remove index %d out of range (len %d)", op.Index, len(arr))
		}
		out := make([]any, 0, len(arr)-1)
		out = append(out, arr[:op.Index]...)
		return append(out, arr[op.Index+1:]...), nil

	case ArrayRemoveByID:
		i := findByID(arr, op.ID)
		if i < 0 {
			return append([]any(nil), arr...), nil
		}
		return ApplyArrayOp(arr, ArrayOp{Type: ArrayRemove, Index: i})

	case ArrayUpdate:
		if op.Index < 0 || op.Index >= len(arr) {
			return nil, fmt.Errorf("codec: update index %d out of range (len %d)", op.Index, len(arr))
		}
		out := append([]any(nil), arr...)
		out[op.Index] = op.payload()
		return out, nil

	case ArrayUpdateByID:
		i := findByID(arr, op.ID)
		if i < 0 {
			return append([]any(nil), arr...), nil
		}
		return ApplyArrayOp(arr, ArrayOp{Type: ArrayUpdate, Index: i, Item: op.payload()})

	case ArrayMerge:
		if op.Index < 0 || op.Index >= len(arr) {
			return nil, fmt.Errorf("codec: merge index %d out of range (len %d)", op.Index, len(arr))
		}
		elem, ok := arr[op.Index].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("codec: merge into non-object element at %d", op.Index)
		}
		data, ok := op.payload().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("codec: merge data is not an object")
		}
		merged := value.CloneMap(elem)
		for k, v := range data {
			merged[k] = v
		}
		out := append([]any(nil), arr...)
		out[op.Index] = merged
		return out, nil

	case ArrayMergeByID:
		i := findByID(arr, op.ID)
		if i < 0 {
			return append([]any(nil), arr...), nil
		}
		return ApplyArrayOp(arr, ArrayOp{Type: ArrayMerge, Index: i, Data: op.payload()})

	default:
		return nil, fmt.Errorf("codec: unknown array op %q", op.Type)
	}
}

// ApplyArrayOps folds ops left to right.
func ApplyArrayOps(arr []any, ops []ArrayOp) ([]any, error) {
	out := arr
	for i, op := range ops {
		next, err := ApplyArrayOp(out, op)
		if err != nil {
			return nil, fmt.Errorf("codec: array op %d: %w", i, err)
		}
		out = next
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// DiffArrays computes ops transforming old into new, or reports that a
// whole replace is cheaper (second return true). Elements that all carry
// ids diff by id; anything else diffs positionally. Reorders, id
// collisions, and op counts above half the target length degrade to
// replace. Generated ops are verified by replay before being returned, so
// the Apply(old, ops) == new contract holds unconditionally.
func DiffArrays(oldA, newA []any) ([]ArrayOp, bool) {
	if value.Equal(oldA, newA) {
		return nil, false
	}
	if len(oldA) == 0 || len(newA) == 0 {
		return nil, true
	}

	var ops []ArrayOp
	if allHaveIDs(oldA) && allHaveIDs(newA) {
		ops = diffByID(oldA, newA)
	} else {
		ops = diffByIndex(oldA, newA)
	}

	if ops == nil || len(ops) > maxDiffOps(newA) {
		return nil, true
	}
	replayed, err := ApplyArrayOps(oldA, ops)
	if err != nil || !value.Equal(replayed, newA) {
		return nil, true
	}
	return ops, false
}

func maxDiffOps(newA []any) int {
	n := len(newA) / 2
	if n < 1 {
		n = 1
	}
	return n
}

func allHaveIDs(arr []any) bool {
	for _, elem := range arr {
		if _, ok := elementID(elem); !ok {
			return false
		}
	}
	return true
}

func diffByIndex(oldA, newA []any) []ArrayOp {
	var ops []ArrayOp
	common := len(oldA)
	if len(newA) < common {
		common = len(newA)
	}
	for i := 0; i < common; i++ {
		if !value.Equal(oldA[i], newA[i]) {
			ops = append(ops, ArrayOp{Type: ArrayUpdate, Index: i, Item: newA[i]})
		}
	}
	switch {
	case len(newA) > len(oldA):
		ops = append(ops, ArrayOp{Type: ArrayPush, Items: newA[len(oldA):]})
	case len(newA) < len(oldA):
		for i := len(oldA) - 1; i >= len(newA); i-- {
			ops = append(ops, ArrayOp{Type: ArrayRemove, Index: i})
		}
	}
	return ops
}

// diffByID matches elements by id: removals, then in-place updates, then
// insertions walked left to right. Returns nil when ids collide or the
// shared elements were reordered.
func diffByID(oldA, newA []any) []ArrayOp {
	oldByID := make(map[value.Hash]any, len(oldA))
	oldOrder := make([]value.Hash, len(oldA))
	for i, elem := range oldA {
		id, _ := elementID(elem)
		h := value.HashOf(id)
		if _, dup := oldByID[h]; dup {
			return nil
		}
		oldByID[h] = elem
		oldOrder[i] = h
	}
	newByID := make(map[value.Hash]struct{}, len(newA))
	for _, elem := range newA {
		id, _ := elementID(elem)
		h := value.HashOf(id)
		if _, dup := newByID[h]; dup {
			return nil
		}
		newByID[h] = struct{}{}
	}

	var keptOld []value.Hash
	for _, h := range oldOrder {
		if _, ok := newByID[h]; ok {
			keptOld = append(keptOld, h)
		}
	}
	var keptNew []value.Hash
	for _, elem := range newA {
		id, _ := elementID(elem)
		h := value.HashOf(id)
		if _, ok := oldByID[h]; ok {
			keptNew = append(keptNew, h)
		}
	}
	if len(keptOld) != len(keptNew) {
		return nil
	}
	for i := range keptOld {
		if keptOld[i] != keptNew[i] {
			return nil
		}
	}

	var ops []ArrayOp
	for _, h := range oldOrder {
		if _, ok := newByID[h]; !ok {
			id, _ := elementID(oldByID[h])
			ops = append(ops, ArrayOp{Type: ArrayRemoveByID, ID: id})
		}
	}
	for _, elem := range newA {
		id, _ := elementID(elem)
		h := value.HashOf(id)
		if oldElem, ok := oldByID[h]; ok && !value.Equal(oldElem, elem) {
			ops = append(ops, ArrayOp{Type: ArrayUpdateByID, ID: id, Item: elem})
		}
	}
	for i, elem := range newA {
		id, _ := elementID(elem)
		if _, ok := oldByID[value.HashOf(id)]; !ok {
			ops = append(ops, ArrayOp{Type: ArrayInsert, Index: i, Item: elem})
		}
	}
	return ops
}
