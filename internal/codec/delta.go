package codec

import "fmt"

// DeltaOp is one run-length edit of a string: at Position, remove Delete
// bytes and splice in Insert.
type DeltaOp struct {
	Position int    `json:"position"`
	Delete   int    `json:"delete,omitempty"`
	Insert   string `json:"insert,omitempty"`
}

// makeDelta reduces old→new to a single middle-span edit when the shared
// prefix and suffix cover at least half of new. Returns false when a delta
// would not pay for itself.
func makeDelta(oldS, newS string) ([]DeltaOp, bool) {
	if oldS == newS {
		return []DeltaOp{}, true
	}

	limit := len(oldS)
	if len(newS) < limit {
		limit = len(newS)
	}

	prefix := 0
	for prefix < limit && oldS[prefix] == newS[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < limit-prefix && oldS[len(oldS)-1-suffix] == newS[len(newS)-1-suffix] {
		suffix++
	}

	if (prefix+suffix)*2 < len(newS) {
		return nil, false
	}

	op := DeltaOp{
		Position: prefix,
		Delete:   len(oldS) - prefix - suffix,
		Insert:   newS[prefix : len(newS)-suffix],
	}
	return []DeltaOp{op}, true
}

// applyDelta replays edit ops against base. Ops are applied in order, each
// against the result of the previous.
func applyDelta(base string, ops []DeltaOp) (string, error) {
	for i, op := range ops {
		if op.Position < 0 || op.Delete < 0 || op.Position+op.Delete > len(base) {
			return "", fmt.Errorf("codec: delta op %d out of range (position %d, delete %d, len %d)",
				i, op.Position, op.Delete, len(base))
		}
		base = base[:op.Position] + op.Insert + base[op.Position+op.Delete:]
	}
	return base, nil
}
