package resolver

// Selection is a projection tree over resolved values. A nil *Selection
// means "everything"; a node with empty Fields means "just this leaf".
type Selection struct {
	Fields map[string]*Selection
}

// ParseSelection decodes the $select input shape. Accepted forms:
//
//	["title", "author"]               a flat field list
//	{"title": true, "author": {...}}  a nested tree; false drops a field
//
// Anything else (including nil) selects everything.
func ParseSelection(v any) *Selection {
	switch t := v.(type) {
	case []any:
		sel := &Selection{Fields: make(map[string]*Selection, len(t))}
		for _, f := range t {
			if name, ok := f.(string); ok {
				sel.Fields[name] = nil
			}
		}
		if len(sel.Fields) == 0 {
			return nil
		}
		return sel
	case map[string]any:
		sel := &Selection{Fields: make(map[string]*Selection, len(t))}
		for name, sub := range t {
			switch s := sub.(type) {
			case bool:
				if s {
					sel.Fields[name] = nil
				}
			case map[string]any, []any:
				sel.Fields[name] = ParseSelection(s)
			}
		}
		if len(sel.Fields) == 0 {
			return nil
		}
		return sel
	default:
		return nil
	}
}

// Child returns the sub-selection for a field, or nil (select everything)
// when the field is a leaf.
func (s *Selection) Child(field string) *Selection {
	if s == nil {
		return nil
	}
	return s.Fields[field]
}

// Has reports whether field survives the projection. The id field always
// does.
func (s *Selection) Has(field string) bool {
	if s == nil {
		return true
	}
	if field == "id" {
		return true
	}
	_, ok := s.Fields[field]
	return ok
}

// Project prunes v to the selection tree. Objects keep selected fields
// (id always retained), arrays project element-wise, scalars pass
// through.
func Project(v any, sel *Selection) any {
	if sel == nil {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(sel.Fields)+1)
		for f, fv := range t {
			if !sel.Has(f) {
				continue
			}
			out[f] = Project(fv, sel.Child(f))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = Project(elem, sel)
		}
		return out
	default:
		return v
	}
}
