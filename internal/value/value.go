// Package value holds the JSON-domain value helpers shared by the sync
// engine: deterministic content hashing, structural equality, deep clone,
// and dotted-path access. Entity field values are plain `any` trees
// (map[string]any, []any, scalars); every component that compares, copies,
// or hashes state goes through this package so the representation has a
// single owner.
package value

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Hash is a 128-bit content hash of a value.
type Hash [16]byte

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hex returns the lowercase hex encoding of the hash. This is the form
// carried in reconnect dataHash fields.
func (h Hash) Hex() string {
	return fmt.Sprintf("%x", h[:])
}

// HashBytes hashes a raw byte slice.
func HashBytes(b []byte) Hash {
	sum := xxh3.Hash128(b)
	var h Hash
	binary.BigEndian.PutUint64(h[:8], sum.Hi)
	binary.BigEndian.PutUint64(h[8:], sum.Lo)
	return h
}

// HashOf hashes a value by its canonical JSON encoding. Go's encoding/json
// sorts map keys at all nesting levels, so structurally equal objects hash
// identically regardless of construction order. Values that cannot be
// marshaled degrade to hashing their fmt representation.
func HashOf(v any) Hash {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprint(v))
	}
	return HashBytes(b)
}

// Equal reports structural equality in the JSON domain: objects compare
// order-independently and numbers compare by encoded value, so int(1) and
// float64(1) are equal. Strings and bools take a direct fast path.
func Equal(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return HashOf(a) == HashOf(b)
}

// Clone deep-copies a value tree. Scalars are returned as-is; maps and
// slices are copied recursively.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = Clone(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = Clone(vv)
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies an object, mapping nil to an empty object.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Clone(m).(map[string]any)
}

// CloneSlice deep-copies a sequence, mapping nil to an empty one.
func CloneSlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return Clone(s).([]any)
}
