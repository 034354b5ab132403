// Package quality scores a modeled run against weighted validation gates.
package quality

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Gate names.
const (
	GateSchemaDrift          = "schema_drift"
	GateFreshness            = "freshness"
	GateCompleteness         = "completeness"
	GateDuplicates           = "duplicates"
	GateValueSanity          = "value_sanity"
	GateReferentialIntegrity = "referential_integrity"
	GatePeriodType           = "period_type"
	GateRestatement          = "restatement"
)

// Restatement policies.
const (
	PolicyLatestWins    = "latest_wins"
	PolicyFlagForReview = "flag_for_review"
)

// GateConfig configures one gate. Only the fields a gate reads matter.
type GateConfig struct {
	Name      string  `yaml:"name" json:"name"`
	Weight    float64 `yaml:"weight" json:"weight"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Critical  bool    `yaml:"critical" json:"critical,omitempty"`
	Disabled  bool    `yaml:"disabled" json:"disabled,omitempty"`

	// schema_drift
	ExpectedColumns []string `yaml:"expected_columns" json:"expected_columns,omitempty"`
	KeyColumns      []string `yaml:"key_columns" json:"key_columns,omitempty"`
	MaxNullRate     float64  `yaml:"max_null_rate" json:"max_null_rate,omitempty"`

	// freshness
	DateField  string `yaml:"date_field" json:"date_field,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days,omitempty"`

	// completeness
	RequiredFields []string `yaml:"required_fields" json:"required_fields,omitempty"`

	// value_sanity and restatement
	Measures    []string `yaml:"measures" json:"measures,omitempty"`
	NonNegative []string `yaml:"non_negative" json:"non_negative,omitempty"`
	GroupBy     []string `yaml:"group_by" json:"group_by,omitempty"`
	ZThreshold  float64  `yaml:"z_threshold" json:"z_threshold,omitempty"`

	// restatement
	RecencyField string `yaml:"recency_field" json:"recency_field,omitempty"`
}

// Policy holds the run-level acceptance rules.
type Policy struct {
	AcceptanceThreshold float64 `json:"acceptance_threshold"`
	FatalFloor          float64 `json:"fatal_floor"`
	Restatement         string  `json:"restatement_policy"`
}

// DefaultPolicy matches the config defaults.
func DefaultPolicy() Policy {
	return Policy{AcceptanceThreshold: 0.85, FatalFloor: 0.5, Restatement: PolicyFlagForReview}
}

// DefaultGates returns the full catalogue with typical thresholds. Weights
// sum to 1.
func DefaultGates() []GateConfig {
	return []GateConfig{
		{Name: GateSchemaDrift, Weight: 0.15, Threshold: 0.95, MaxNullRate: 0.05},
		{Name: GateFreshness, Weight: 0.10, Threshold: 0.80, MaxAgeDays: 3650},
		{Name: GateCompleteness, Weight: 0.20, Threshold: 0.85},
		{Name: GateDuplicates, Weight: 0.15, Threshold: 0.95},
		{Name: GateValueSanity, Weight: 0.15, Threshold: 0.85, ZThreshold: 5},
		{Name: GateReferentialIntegrity, Weight: 0.15, Threshold: 0.95, Critical: true},
		{Name: GatePeriodType, Weight: 0.10, Threshold: 0.95},
		{Name: GateRestatement},
	}
}

// MergeGates overlays configured gates on the defaults by name. Unknown
// names are rejected.
func MergeGates(overrides []GateConfig) ([]GateConfig, error) {
	gates := DefaultGates()
	idx := make(map[string]int, len(gates))
	for i, g := range gates {
		idx[g.Name] = i
	}
	for _, o := range overrides {
		i, ok := idx[o.Name]
		if !ok {
			return nil, eris.Errorf("quality: unknown gate %q", o.Name)
		}
		base := gates[i]
		if o.Weight == 0 && !o.Disabled {
			o.Weight = base.Weight
		}
		if o.Threshold == 0 {
			o.Threshold = base.Threshold
		}
		if o.MaxNullRate == 0 {
			o.MaxNullRate = base.MaxNullRate
		}
		if o.MaxAgeDays == 0 {
			o.MaxAgeDays = base.MaxAgeDays
		}
		if o.ZThreshold == 0 {
			o.ZThreshold = base.ZThreshold
		}
		o.Critical = o.Critical || base.Critical
		gates[i] = o
	}
	return gates, nil
}

// Validate checks a policy.
func (p Policy) Validate() error {
	var errs []string
	if p.AcceptanceThreshold < 0 || p.AcceptanceThreshold > 1 {
		errs = append(errs, "acceptance_threshold must be within [0,1]")
	}
	if p.FatalFloor < 0 || p.FatalFloor > p.AcceptanceThreshold {
		errs = append(errs, "fatal_floor must be within [0, acceptance_threshold]")
	}
	switch p.Restatement {
	case PolicyLatestWins, PolicyFlagForReview:
	default:
		errs = append(errs, "unknown restatement policy "+p.Restatement)
	}
	if len(errs) > 0 {
		return eris.New("quality: " + strings.Join(errs, "; "))
	}
	return nil
}
