package value

import "strings"

// Get resolves a dotted path against an object. The second return is false
// when any segment is missing or a non-object intervenes.
func Get(obj map[string]any, path string) (any, bool) {
	if obj == nil {
		return nil, false
	}
	segs := strings.Split(path, ".")
	cur := any(obj)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at a dotted path, creating intermediate objects as needed.
// A non-object value sitting on an intermediate segment is replaced.
func Set(obj map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	cur := obj
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

// Delete removes the value at a dotted path. Missing segments are a no-op.
func Delete(obj map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := obj
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}
