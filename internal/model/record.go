package model

import "strings"

// RawRecord is one untyped object from a source page. It is owned by the
// extractor until the cleaner consumes it.
type RawRecord struct {
	Partition string         `json:"partition,omitempty"`
	Page      int            `json:"page"`
	Fields    map[string]any `json:"fields"`
}

// Lookup resolves a dotted path ("entity.name") against the record fields.
func (r RawRecord) Lookup(path string) (any, bool) {
	return LookupPath(r.Fields, path)
}

// LookupPath walks nested JSON objects along a dotted path. A key that
// itself contains dots is matched before the path is split.
func LookupPath(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	next, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return LookupPath(next, rest)
}

// CleanedRecord is a typed, normalized record keyed by canonical field
// names. It is never mutated after the cleaner returns it.
type CleanedRecord struct {
	Seq        int              `json:"seq"`
	Values     map[string]Value `json:"values"`
	RawConcept string           `json:"raw_concept,omitempty"`
	Concept    string           `json:"concept,omitempty"`
	Mapped     bool             `json:"mapped"`
	NullFlags  []string         `json:"null_flags,omitempty"`
	Hash       string           `json:"hash"`
}

// Get returns the value of a canonical field, or null when absent.
func (r CleanedRecord) Get(field string) Value {
	return r.Values[field]
}

// Discard records why the cleaner rejected a raw record.
type Discard struct {
	Seq    int       `json:"seq"`
	Reason string    `json:"reason"`
	Record RawRecord `json:"record"`
}

// Duplicate pairs a dropped record with the first occurrence it collided with.
type Duplicate struct {
	Hash    string        `json:"hash"`
	Kept    CleanedRecord `json:"kept"`
	Dropped CleanedRecord `json:"dropped"`
}
