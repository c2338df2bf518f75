package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// projectItems returns page as a generic map whose "items" entries keep only
// the named fields. Dotted names select nested fields, so "seen.last" keeps
// {"seen": {"last": ...}}.
func projectItems(page any, fields []string) (any, error) {
	raw, err := json.Marshal(page)
	if err != nil {
		return nil, fmt.Errorf("project page: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("project page: %w", err)
	}

	items, _ := out["items"].([]any)
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kept := map[string]any{}
		for _, f := range fields {
			copyPath(kept, obj, strings.Split(f, "."))
		}
		items[i] = kept
	}
	return out, nil
}

// copyPath copies the value at path from src into dst, creating intermediate
// objects as needed. Missing paths are skipped.
func copyPath(dst, src map[string]any, path []string) {
	v, ok := src[path[0]]
	if !ok {
		return
	}
	if len(path) == 1 {
		dst[path[0]] = v
		return
	}
	child, ok := v.(map[string]any)
	if !ok {
		return
	}
	next, ok := dst[path[0]].(map[string]any)
	if !ok {
		next = map[string]any{}
		dst[path[0]] = next
	}
	copyPath(next, child, path[1:])
}
