package graph

// Wildcard subscribes to every field of an entity.
const Wildcard = "*"

// FieldSet is a subscription's field filter: either the wildcard or a
// finite set of field names. The zero value matches nothing; build through
// NewFieldSet.
type FieldSet struct {
	all    bool
	fields map[string]struct{}
}

// NewFieldSet builds a set from the wire representation. A nil/empty list
// or any occurrence of "*" means all fields.
func NewFieldSet(fields []string) FieldSet {
	if len(fields) == 0 {
		return FieldSet{all: true}
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f == Wildcard {
			return FieldSet{all: true}
		}
		set[f] = struct{}{}
	}
	return FieldSet{fields: set}
}

// All reports whether the set is the wildcard.
func (fs FieldSet) All() bool { return fs.all }

// Has reports whether field passes the filter.
func (fs FieldSet) Has(field string) bool {
	if fs.all {
		return true
	}
	_, ok := fs.fields[field]
	return ok
}

// Select returns the field names to diff for a given canonical state:
// every state field under the wildcard, the subscribed names otherwise.
// Subscribed fields absent from state are included so removals diff too.
func (fs FieldSet) Select(state map[string]any) []string {
	if fs.all {
		out := make([]string, 0, len(state))
		for f := range state {
			out = append(out, f)
		}
		return out
	}
	out := make([]string, 0, len(fs.fields))
	for f := range fs.fields {
		out = append(out, f)
	}
	return out
}
