package model

import (
	"strings"
	"time"
)

// DimensionRow is one version of a dimension member.
type DimensionRow struct {
	Dimension     string           `json:"dimension"`
	SurrogateKey  string           `json:"surrogate_key"`
	NaturalKey    []string         `json:"natural_key"`
	Attributes    map[string]Value `json:"attributes"`
	Version       int              `json:"version"`
	EffectiveDate time.Time        `json:"effective_date"`
	EndDate       *time.Time       `json:"end_date,omitempty"`
	IsCurrent     bool             `json:"is_current"`
}

// NaturalKeyString joins the natural key tuple into its lookup form.
func (d DimensionRow) NaturalKeyString() string {
	return JoinKey(d.NaturalKey)
}

// KeySeparator joins natural-key parts. Cleaned text never contains it.
const KeySeparator = "\x1f"

// JoinKey joins key parts with the separator used by every natural-key index.
func JoinKey(parts []string) string {
	return strings.Join(parts, KeySeparator)
}

// FactRow is one deduplicated fact.
type FactRow struct {
	Fact     string `json:"fact"`
	FactID   string `json:"fact_id"`
	FactHash string `json:"fact_hash"`
	// ForeignKeys maps dimension name to the referenced surrogate key.
	ForeignKeys map[string]string `json:"foreign_keys"`
	// NaturalKeys keeps the natural key each foreign key was resolved from.
	NaturalKeys map[string][]string `json:"natural_keys"`
	Measures    map[string]Value    `json:"measures"`
	Attributes  map[string]Value    `json:"attributes,omitempty"`
	SourceSeq   int                 `json:"source_seq"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Measure returns a numeric measure and whether it is present.
func (f FactRow) Measure(name string) (float64, bool) {
	return f.Measures[name].Float()
}

// QuarantinedFact is a fact whose dimension lookup failed.
type QuarantinedFact struct {
	Fact      string        `json:"fact"`
	FactHash  string        `json:"fact_hash"`
	Dimension string        `json:"dimension"`
	Reason    string        `json:"reason"`
	Record    CleanedRecord `json:"record"`
}

// GateResult is the immutable outcome of one quality gate.
type GateResult struct {
	Name      string         `json:"name"`
	Score     float64        `json:"score"`
	Weight    float64        `json:"weight"`
	Threshold float64        `json:"threshold"`
	Passed    bool           `json:"passed"`
	Critical  bool           `json:"critical,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// DimensionChange is one dimension write produced by a modeling pass. A new
// member has an empty ExpectedCurrent. A new SCD2 version names the
// surrogate key that must still be current when the change is applied.
type DimensionChange struct {
	Dimension       string       `json:"dimension"`
	NaturalKey      []string     `json:"natural_key"`
	ExpectedCurrent string       `json:"expected_current,omitempty"`
	Row             DimensionRow `json:"row"`
}

// IsInsert reports whether the change introduces a new natural key.
func (c DimensionChange) IsInsert() bool { return c.ExpectedCurrent == "" }
