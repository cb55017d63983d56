// Package endpoint normalizes request paths into stable "METHOD /path"
// labels. Variable path segments (codes, ids) must collapse into one label,
// otherwise every distinct URL becomes its own counter and latency set in
// the shared store.
package endpoint

import "strings"

// Pattern maps a path prefix to the label used for everything under it.
// An empty Label reuses the prefix itself.
type Pattern struct {
	Prefix string
	Label  string
}

type Normalizer struct {
	patterns []Pattern
}

func NewNormalizer(patterns []Pattern) *Normalizer {
	n := &Normalizer{patterns: make([]Pattern, 0, len(patterns))}
	for _, p := range patterns {
		p.Prefix = normalizePrefix(p.Prefix)
		if p.Prefix == "" {
			continue
		}
		if p.Label == "" {
			p.Label = p.Prefix
		}
		n.patterns = append(n.patterns, p)
	}
	return n
}

// Label returns the metrics label for a request, e.g. "POST /activate/{code}".
// Paths matching no pattern keep their own path.
func (n *Normalizer) Label(method, path string) string {
	m := strings.ToUpper(method)
	for _, p := range n.patterns {
		if path == p.Prefix || strings.HasPrefix(path, p.Prefix+"/") {
			return m + " " + p.Label
		}
	}
	return m + " " + path
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}
