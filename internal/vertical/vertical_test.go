package vertical

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/quality"
)

const minimal = `
name: tiny
source:
  endpoint: http://example.test/rows
  records_path: data
clean:
  fields:
    - {name: id, type: string, required: true}
    - {name: amount, type: number}
    - {name: day, type: date}
star:
  dimensions:
    - {name: entity, natural_key: [id]}
  facts:
    - name: reading
      dimensions: [entity]
      measures:
        - {name: amount, non_negative: true}
      period_end: day
kpis:
  entity_dimension: entity
  measures: [amount]
`

func TestBuiltinsLoadAndValidate(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"energy_grid", "federal_awards", "gaming", "medicare_prescriber", "sec_financial"},
		reg.Names())
	for _, e := range reg.List() {
		assert.Equal(t, SourceBuiltin, e.Source)
		assert.NoError(t, e.Vertical.Validate(), e.Vertical.Name)
		_, err := e.Vertical.GateSet()
		assert.NoError(t, err, e.Vertical.Name)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)

	_, err = reg.Get("weather")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownVertical))
	assert.Contains(t, err.Error(), "sec_financial")
}

func TestSECFinancialDefinition(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)
	v, err := reg.Get("sec_financial")
	require.NoError(t, err)

	canon := map[string]bool{}
	for _, c := range v.Clean.ConceptMap {
		canon[c] = true
	}
	for _, want := range []string{
		"revenue", "cost_of_revenue", "gross_profit", "operating_income", "net_income",
		"total_assets", "total_liabilities", "stockholders_equity", "current_assets",
		"current_liabilities", "cash", "inventory", "long_term_debt",
	} {
		assert.True(t, canon[want], "concept %s", want)
	}

	ratios := map[string]bool{}
	for _, r := range v.KPI.Ratios {
		ratios[r.Name] = true
	}
	for _, want := range []string{"gross_margin", "operating_margin", "net_margin", "roa", "roe",
		"current_ratio", "quick_ratio", "cash_ratio", "debt_to_equity"} {
		assert.True(t, ratios[want], "ratio %s", want)
	}

	company := v.Star.Dimensions[0]
	assert.Equal(t, "company", company.Name)
	assert.True(t, company.SCD2)
	assert.Equal(t, "balance_sheet", v.Star.Dimensions[1].Lookup["category"]["total_assets"])
}

func TestEnergyGridFuelTypes(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)
	v, err := reg.Get("energy_grid")
	require.NoError(t, err)

	var fuel bool
	for _, d := range v.Star.Dimensions {
		if d.Name != "fuel_type" {
			continue
		}
		fuel = true
		assert.True(t, d.Closed)
		require.Len(t, d.Seed, 13)
		byCode := map[string]map[string]any{}
		for _, s := range d.Seed {
			byCode[s.Key[0]] = s.Attributes
		}
		assert.Equal(t, true, byCode["SUN"]["is_renewable"])
		assert.Equal(t, false, byCode["BIO"]["is_clean"])
		assert.Equal(t, true, byCode["BAT"]["is_clean"])
		assert.Equal(t, "Storage", byCode["PS"]["category"])
	}
	assert.True(t, fuel)
}

func TestModeDefaultsAndOverrides(t *testing.T) {
	v, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, ModeSettings{TargetRows: 1_000_000, WindowYears: 10}, v.Mode(model.ModeFull))
	assert.Equal(t, ModeSettings{TargetRows: 100_000, WindowYears: 3}, v.Mode(model.ModeTest))
	assert.Equal(t, ModeSettings{TargetRows: 50_000, WindowYears: 1}, v.Mode(model.ModeQuick))

	v.Modes = map[model.Mode]ModeSettings{model.ModeQuick: {MaxPartitions: 2}}
	assert.Equal(t, ModeSettings{TargetRows: 50_000, WindowYears: 1, MaxPartitions: 2}, v.Mode(model.ModeQuick))
}

func TestWindowVars(t *testing.T) {
	v, err := Parse([]byte(minimal))
	require.NoError(t, err)

	now := time.Date(2026, 3, 15, 17, 45, 0, 0, time.FixedZone("EST", -5*3600))
	w := v.WindowFor(model.ModeTest, now)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), w.End)
	assert.Equal(t, time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC), w.Start)

	vars := w.Vars()
	assert.Equal(t, "2023-03-15", vars["window_start"])
	assert.Equal(t, "2026-03-15", vars["window_end"])
	assert.Equal(t, "2026-03-15T00", vars["window_end_ts"])
	assert.Equal(t, "2025", vars["last_full_year"])
	assert.Equal(t, "2023-03-15..2026-03-15", w.String())
}

func TestApplyPolicy(t *testing.T) {
	v, err := Parse([]byte(minimal + `
policy:
  acceptance_threshold: 0.9
  restatement_policy: latest_wins
`))
	require.NoError(t, err)

	p := v.ApplyPolicy(quality.DefaultPolicy())
	assert.InDelta(t, 0.9, p.AcceptanceThreshold, 1e-9)
	assert.InDelta(t, 0.5, p.FatalFloor, 1e-9)
	assert.Equal(t, quality.PolicyLatestWins, p.Restatement)
}

func TestGateSetAddsNonNegativeMeasures(t *testing.T) {
	v, err := Parse([]byte(minimal + `
gates:
  - name: value_sanity
    non_negative: [amount]
    z_threshold: 4
`))
	require.NoError(t, err)

	gates, err := v.GateSet()
	require.NoError(t, err)
	for _, g := range gates {
		if g.Name == quality.GateValueSanity {
			assert.Equal(t, []string{"amount"}, g.NonNegative)
			assert.InDelta(t, 4.0, g.ZThreshold, 1e-9)
			return
		}
	}
	t.Fatal("value_sanity gate missing")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "  ", "definition is empty"},
		{"unknown key", minimal + "colour: blue\n", "field colour not found"},
		{"no name", "source: {endpoint: x}\n", "name is required"},
		{"unknown gate", minimal + "gates:\n  - {name: vibes}\n", "unknown gate"},
		{"bad mode", minimal + "modes:\n  turbo: {target_rows: 5}\n", "unknown mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateUndefinedReferences(t *testing.T) {
	v, err := Parse([]byte(minimal))
	require.NoError(t, err)

	v.Star.Dimensions[0].Attributes = []string{"colour"}
	v.KPI.Measures = []string{"volume"}
	err = v.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension entity: colour")
	assert.Contains(t, err.Error(), "kpis: measure volume")
}

func TestRegistryUserDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.yml"), []byte(minimal), 0o644))
	override := strings.Replace(minimal, "name: tiny", "name: gaming", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gaming.yaml"), []byte(override), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	reg, err := NewRegistry(dir)
	require.NoError(t, err)
	assert.Len(t, reg.Names(), 6)

	e, ok := reg.Entry("tiny")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "tiny.yml"), e.Source)

	g, ok := reg.Entry("gaming")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "gaming.yaml"), g.Source)
	assert.Equal(t, "http://example.test/rows", g.Vertical.Source.Endpoint)
}

func TestRegistryDuplicateUserDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(minimal), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(minimal), 0o644))

	_, err := NewRegistry(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined by both")
}

func TestRegistryMissingDirectory(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Len(t, reg.Names(), 5)
}

func TestRegistryInvalidUserFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\n"), 0o644))

	_, err := NewRegistry(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}
