package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lenshq/lens/internal/value"
)

// PatchOp is one RFC 6902 operation. Only add, replace, and remove are
// ever generated; Value rides along as null for remove, which the apply
// side ignores.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// PatchSize returns the serialized byte size of a patch, used for the
// operation log byte budget.
func PatchSize(ops []PatchOp) int {
	b, err := json.Marshal(ops)
	if err != nil {
		return 0
	}
	return len(b)
}

// DiffObjects produces the RFC 6902 patch that transforms old into new.
// Keys are visited in sorted order so output is deterministic. Nested
// objects recurse; nested arrays and scalars replace atomically.
func DiffObjects(oldM, newM map[string]any) []PatchOp {
	return diffObjects(nil, "", oldM, newM)
}

func diffObjects(ops []PatchOp, prefix string, oldM, newM map[string]any) []PatchOp {
	keys := make([]string, 0, len(oldM)+len(newM))
	seen := make(map[string]struct{}, len(oldM)+len(newM))
	for k := range oldM {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range newM {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := prefix + "/" + escapePointer(k)
		oldV, inOld := oldM[k]
		newV, inNew := newM[k]

		switch {
		case !inNew:
			ops = append(ops, PatchOp{Op: "remove", Path: path})
		case !inOld:
			ops = append(ops, PatchOp{Op: "add", Path: path, Value: newV})
		default:
			oldSub, oldIsObj := oldV.(map[string]any)
			newSub, newIsObj := newV.(map[string]any)
			if oldIsObj && newIsObj {
				ops = diffObjects(ops, path, oldSub, newSub)
				continue
			}
			if !value.Equal(oldV, newV) {
				ops = append(ops, PatchOp{Op: "replace", Path: path, Value: newV})
			}
		}
	}
	return ops
}

// escapePointer escapes a key per RFC 6901.
func escapePointer(k string) string {
	k = strings.ReplaceAll(k, "~", "~0")
	return strings.ReplaceAll(k, "/", "~1")
}

// ApplyPatch applies RFC 6902 ops to an object through json-patch, which
// is the one apply engine shared with client mirrors.
func ApplyPatch(base map[string]any, ops []PatchOp) (map[string]any, error) {
	if len(ops) == 0 {
		return value.CloneMap(base), nil
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal patch base: %w", err)
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal patch ops: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(opsJSON)
	if err != nil {
		return nil, fmt.Errorf("codec: decode patch: %w", err)
	}
	out, err := patch.Apply(baseJSON)
	if err != nil {
		return nil, fmt.Errorf("codec: apply patch: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("codec: unmarshal patched object: %w", err)
	}
	return result, nil
}
