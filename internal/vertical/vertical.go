// Package vertical defines domain plugins: one YAML document per data
// source describing how it is extracted, cleaned, modeled, gated and
// summarized.
package vertical

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/starschema-etl/internal/clean"
	"github.com/sells-group/starschema-etl/internal/extract"
	"github.com/sells-group/starschema-etl/internal/kpi"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/quality"
	"github.com/sells-group/starschema-etl/internal/star"
)

// Vertical is one domain plugin.
type Vertical struct {
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description" json:"description,omitempty"`
	Source      extract.SourceConfig `yaml:"source" json:"source"`
	Clean       clean.Config         `yaml:"clean" json:"clean"`
	Star        star.Config          `yaml:"star" json:"star"`
	// Gates override the default gate catalogue by name.
	Gates  []quality.GateConfig `yaml:"gates" json:"gates,omitempty"`
	Policy PolicyOverride       `yaml:"policy" json:"policy,omitempty"`
	KPI    kpi.Config           `yaml:"kpis" json:"kpis"`
	// Modes override the default target rows and window per mode.
	Modes map[model.Mode]ModeSettings `yaml:"modes" json:"modes,omitempty"`
}

// PolicyOverride replaces individual fields of the configured quality
// policy. Nil fields keep the configured value.
type PolicyOverride struct {
	AcceptanceThreshold *float64 `yaml:"acceptance_threshold" json:"acceptance_threshold,omitempty"`
	FatalFloor          *float64 `yaml:"fatal_floor" json:"fatal_floor,omitempty"`
	Restatement         string   `yaml:"restatement_policy" json:"restatement_policy,omitempty"`
}

// ModeSettings bounds the volume of one invocation mode.
type ModeSettings struct {
	TargetRows  int `yaml:"target_rows" json:"target_rows"`
	WindowYears int `yaml:"window_years" json:"window_years"`
	// MaxPartitions keeps only the first N source partitions. Zero keeps all.
	MaxPartitions int `yaml:"max_partitions" json:"max_partitions,omitempty"`
}

// DefaultModes returns the volume of each mode when a vertical does not
// override it.
func DefaultModes() map[model.Mode]ModeSettings {
	return map[model.Mode]ModeSettings{
		model.ModeFull:  {TargetRows: 1_000_000, WindowYears: 10},
		model.ModeTest:  {TargetRows: 100_000, WindowYears: 3},
		model.ModeQuick: {TargetRows: 50_000, WindowYears: 1},
	}
}

// Mode returns the settings for m, filling unset fields from the defaults.
func (v *Vertical) Mode(m model.Mode) ModeSettings {
	s := DefaultModes()[m]
	o, ok := v.Modes[m]
	if !ok {
		return s
	}
	if o.TargetRows > 0 {
		s.TargetRows = o.TargetRows
	}
	if o.WindowYears > 0 {
		s.WindowYears = o.WindowYears
	}
	if o.MaxPartitions > 0 {
		s.MaxPartitions = o.MaxPartitions
	}
	return s
}

// ApplyPolicy overlays the vertical's policy overrides on base.
func (v *Vertical) ApplyPolicy(base quality.Policy) quality.Policy {
	if v.Policy.AcceptanceThreshold != nil {
		base.AcceptanceThreshold = *v.Policy.AcceptanceThreshold
	}
	if v.Policy.FatalFloor != nil {
		base.FatalFloor = *v.Policy.FatalFloor
	}
	if v.Policy.Restatement != "" {
		base.Restatement = v.Policy.Restatement
	}
	return base
}

// GateSet merges the vertical's gate overrides onto the default catalogue.
// Measures declared non_negative in the star schema are added to the
// value_sanity gate.
func (v *Vertical) GateSet() ([]quality.GateConfig, error) {
	gates, err := quality.MergeGates(v.Gates)
	if err != nil {
		return nil, eris.Wrapf(err, "vertical %s", v.Name)
	}
	for i := range gates {
		if gates[i].Name != quality.GateValueSanity {
			continue
		}
		seen := make(map[string]bool, len(gates[i].NonNegative))
		nonNeg := append([]string(nil), gates[i].NonNegative...)
		for _, m := range nonNeg {
			seen[m] = true
		}
		for _, f := range v.Star.Facts {
			for _, m := range f.Measures {
				if m.NonNegative && !seen[m.Name] {
					seen[m.Name] = true
					nonNeg = append(nonNeg, m.Name)
				}
			}
		}
		gates[i].NonNegative = nonNeg
	}
	return gates, nil
}

// Window is the request time range of a run.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor returns the window of mode m ending on the UTC day of now.
func (v *Vertical) WindowFor(m model.Mode, now time.Time) Window {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Window{Start: end.AddDate(-v.Mode(m).WindowYears, 0, 0), End: end}
}

// Vars returns the template variables a source may reference.
//
//	${window_start}    2016-01-01
//	${window_end}      2026-01-01
//	${window_start_ts} 2016-01-01T00
//	${window_end_ts}   2026-01-01T00
//	${last_full_year}  2025
func (w Window) Vars() map[string]string {
	return map[string]string{
		"window_start":    w.Start.Format(time.DateOnly),
		"window_end":      w.End.Format(time.DateOnly),
		"window_start_ts": w.Start.Format("2006-01-02T15"),
		"window_end_ts":   w.End.Format("2006-01-02T15"),
		"last_full_year":  strconv.Itoa(w.End.Year() - 1),
	}
}

// String renders the window for checkpoint scoping.
func (w Window) String() string {
	return w.Start.Format(time.DateOnly) + ".." + w.End.Format(time.DateOnly)
}

// Parse decodes and validates one plugin document. Unknown keys are
// rejected so a typo cannot silently disable a setting.
func Parse(data []byte) (*Vertical, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, eris.New("vertical: definition is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var v Vertical
	if err := dec.Decode(&v); err != nil {
		return nil, eris.Wrap(err, "vertical: decode definition")
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// Validate checks each section and the references between them.
func (v *Vertical) Validate() error {
	if v.Name == "" {
		return eris.New("vertical: name is required")
	}
	wrap := func(err error) error { return eris.Wrapf(err, "vertical %s", v.Name) }

	if err := v.Source.Validate(); err != nil {
		return wrap(err)
	}
	if err := v.Clean.Validate(); err != nil {
		return wrap(err)
	}
	if err := v.Star.Validate(); err != nil {
		return wrap(err)
	}
	if err := v.KPI.Validate(); err != nil {
		return wrap(err)
	}
	if _, err := quality.MergeGates(v.Gates); err != nil {
		return wrap(err)
	}
	for m := range v.Modes {
		if _, err := model.ParseMode(string(m)); err != nil {
			return wrap(err)
		}
	}
	if err := v.checkReferences(); err != nil {
		return wrap(err)
	}
	return nil
}

// checkReferences verifies every field named by the star schema, gates and
// KPIs is produced by an earlier stage.
func (v *Vertical) checkReferences() error {
	fields := make(map[string]bool, len(v.Clean.Fields))
	for _, f := range v.Clean.Fields {
		fields[f.Name] = true
	}
	var missing []string
	need := func(where, name string) {
		if name != "" && !fields[name] {
			missing = append(missing, fmt.Sprintf("%s: %s", where, name))
		}
	}

	dims := make(map[string]bool, len(v.Star.Dimensions))
	for _, d := range v.Star.Dimensions {
		dims[d.Name] = true
		for _, k := range d.NaturalKey {
			need("dimension "+d.Name, k)
		}
		if d.Closed {
			// Closed attributes come from the seed rows.
			continue
		}
		for _, a := range d.Attributes {
			need("dimension "+d.Name, a)
		}
		need("dimension "+d.Name, d.EffectiveField)
	}

	measures := make(map[string]bool)
	for _, f := range v.Star.Facts {
		for _, m := range f.Measures {
			field := m.Field
			if field == "" {
				field = m.Name
			}
			need("fact "+f.Name, field)
			measures[m.Name] = true
		}
		for _, d := range f.Derived {
			measures[d.Name] = true
		}
		for _, a := range f.Attributes {
			need("fact "+f.Name, a)
		}
		for _, k := range f.KeyFields {
			need("fact "+f.Name, k)
		}
		need("fact "+f.Name, f.PeriodStart)
		need("fact "+f.Name, f.PeriodEnd)
	}

	for _, g := range v.Gates {
		for _, c := range g.ExpectedColumns {
			need("gate "+g.Name, c)
		}
		for _, c := range g.KeyColumns {
			need("gate "+g.Name, c)
		}
		for _, c := range g.RequiredFields {
			need("gate "+g.Name, c)
		}
	}

	if !dims[v.KPI.EntityDimension] {
		missing = append(missing, "kpis: entity_dimension "+v.KPI.EntityDimension)
	}
	if v.KPI.MetricDimension != "" && !dims[v.KPI.MetricDimension] {
		missing = append(missing, "kpis: metric_dimension "+v.KPI.MetricDimension)
	}
	if v.KPI.ValueMeasure != "" && !measures[v.KPI.ValueMeasure] {
		missing = append(missing, "kpis: value_measure "+v.KPI.ValueMeasure)
	}
	if v.KPI.MetricDimension == "" {
		for _, m := range v.KPI.Measures {
			if !measures[m] {
				missing = append(missing, "kpis: measure "+m)
			}
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return eris.Errorf("undefined references: %v", missing)
	}
	return nil
}
