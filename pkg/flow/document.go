package flow

import "strings"

// Document is the mutable working document threaded through one execution.
// Values are JSON-shaped: maps, slices, strings, float64, bool, nil.
// A Document is owned by exactly one run; Map items receive deep copies.
type Document map[string]any

// Get resolves a dot-separated path ("output.job.status") against the
// document. The second return is false when any segment is missing or a
// non-map value is traversed.
func (d Document) Get(path string) (any, bool) {
	if path == "" {
		return map[string]any(d), true
	}
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if dm, isDoc := cur.(Document); isDoc {
				m = map[string]any(dm)
			} else {
				return nil, false
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString resolves a path and returns its string value, or "" if the path
// is missing or not a string.
func (d Document) GetString(path string) string {
	v, ok := d.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set writes a value at a dot-separated path, creating intermediate maps as
// needed. Setting the empty path is invalid and ignored.
func (d Document) Set(path string, value any) {
	if path == "" {
		return
	}
	segs := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// Clone returns a deep copy of the document. Map items in a fan-out operate
// on clones so sibling branches never share mutable state.
func (d Document) Clone() Document {
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Document:
		return cloneValue(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Merge writes the value at path, or replaces the whole document content
// when path is empty and the value is a map.
func (d Document) Merge(path string, value any) {
	if path != "" {
		d.Set(path, value)
		return
	}
	m, ok := value.(map[string]any)
	if !ok {
		return
	}
	for k := range d {
		delete(d, k)
	}
	for k, v := range m {
		d[k] = v
	}
}
