package ingest

import (
	"fmt"
	"strings"
)

// lookupPath walks a decoded document along a dotted path ("response.body.items").
// A key containing a literal dot is matched first as a whole.
func lookupPath(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := m[head]
	if !ok {
		return nil, false
	}
	return lookupPath(child, rest)
}

// locateItems probes candidate paths in order and returns the item list of
// the first path present in doc. A single object is a one-item page (XML
// bodies collapse one-element lists) and an empty element is an empty page.
// Array elements that are not objects come back as nil entries so the page
// keeps its length and the caller can skip them one by one.
func locateItems(doc any, paths []string) ([]map[string]any, string, error) {
	for _, p := range paths {
		v, ok := lookupPath(doc, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case nil:
			return nil, p, nil
		case string:
			if strings.TrimSpace(t) == "" {
				return nil, p, nil
			}
			return nil, p, fmt.Errorf("path %q holds a scalar", p)
		case map[string]any:
			return []map[string]any{t}, p, nil
		case []any:
			out := make([]map[string]any, 0, len(t))
			for _, it := range t {
				m, _ := it.(map[string]any)
				out = append(out, m)
			}
			return out, p, nil
		default:
			return nil, p, fmt.Errorf("path %q holds %T", p, v)
		}
	}
	return nil, "", fmt.Errorf("no item array at any of %s", strings.Join(paths, ", "))
}
