package pipeline

import "strings"

// DeduplicateBy removes items whose key repeats, keeping the first
// occurrence in input order. Nil items and items with an empty key are
// dropped. The input slice is never mutated.
func DeduplicateBy(items []map[string]any, key func(map[string]any) string) []map[string]any {
	seen := make(map[string]struct{}, len(items))
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		k := key(item)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}

// ByWord keys an item by its word text, case-insensitively: "Huis" and
// "huis" are the same question.
func ByWord(item map[string]any) string {
	w, _ := item["word"].(string)
	return strings.ToLower(w)
}

// ByID keys an item by its stored identifier.
func ByID(item map[string]any) string {
	id, _ := item["id"].(string)
	return id
}
