package clean

import (
	"strings"

	"golang.org/x/text/cases"
)

// ConceptMap resolves raw concept names to canonical metric names. Lookups
// fold Unicode case and whitespace.
type ConceptMap struct {
	entries map[string]string
}

// NewConceptMap builds a map from raw name to canonical name.
func NewConceptMap(raw map[string]string) *ConceptMap {
	m := &ConceptMap{entries: make(map[string]string, len(raw))}
	for k, v := range raw {
		m.entries[foldConcept(k)] = v
	}
	return m
}

// Resolve returns the canonical name and whether the raw name was mapped.
// Unmapped names pass through unchanged.
func (m *ConceptMap) Resolve(raw string) (string, bool) {
	if m == nil {
		return raw, false
	}
	if canon, ok := m.entries[foldConcept(raw)]; ok {
		return canon, true
	}
	return raw, false
}

// Len returns the number of mapped raw names.
func (m *ConceptMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

func foldConcept(s string) string {
	// cases.Caser carries state, so one is built per call.
	return cases.Fold().String(NormalizeString(strings.TrimSpace(s)))
}
