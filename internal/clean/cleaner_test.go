package clean

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/starschema-etl/internal/model"
)

func secConfig() Config {
	return Config{
		Fields: []FieldSpec{
			{Name: "cik", Type: TypeString, Required: true},
			{Name: "entity_name", Source: "entity.name", Type: TypeString},
			{Name: "concept", Type: TypeString, Required: true},
			{Name: "value", Source: "val", Type: TypeNumber},
			{Name: "period_start", Source: "start", Type: TypeDate},
			{Name: "period_end", Source: "end", Type: TypeDate},
		},
		ConceptField: "concept",
		ConceptMap:   map[string]string{"Revenues": "revenue"},
		DedupFields:  []string{"cik", "concept", "period_start", "period_end"},
	}
}

func raw(fields map[string]any) model.RawRecord {
	return model.RawRecord{Partition: "all", Fields: fields}
}

func TestClean_TypesAndConcept(t *testing.T) {
	c, err := New(secConfig())
	require.NoError(t, err)

	rec, discard := c.Clean(3, raw(map[string]any{
		"cik":     json.Number("320193"),
		"entity":  map[string]any{"name": "  Apple   Inc. "},
		"concept": "revenues",
		"val":     "$1,234",
		"start":   "2023-10-01",
		"end":     "2023-12-30",
	}))
	require.Nil(t, discard)

	assert.Equal(t, 3, rec.Seq)
	assert.Equal(t, "320193", rec.Get("cik").Text())
	assert.Equal(t, "Apple Inc.", rec.Get("entity_name").Text())
	assert.Equal(t, "revenue", rec.Get("concept").Text())
	assert.Equal(t, "revenues", rec.RawConcept)
	assert.Equal(t, "revenue", rec.Concept)
	assert.True(t, rec.Mapped)
	v, ok := rec.Get("value").Float()
	assert.True(t, ok)
	assert.InDelta(t, 1234, v, 1e-9)
	assert.Equal(t, model.KindTime, rec.Get("period_start").Kind)
	assert.Empty(t, rec.NullFlags)
	assert.Len(t, rec.Hash, 16)
}

func TestClean_UnmappedConceptPassesThrough(t *testing.T) {
	c, err := New(secConfig())
	require.NoError(t, err)

	rec, discard := c.Clean(0, raw(map[string]any{"cik": "1", "concept": "Goodwill"}))
	require.Nil(t, discard)
	assert.False(t, rec.Mapped)
	assert.Equal(t, "Goodwill", rec.Concept)
	assert.Equal(t, "Goodwill", rec.Get("concept").Text())
}

func TestClean_UnparseableValuesBecomeFlaggedNulls(t *testing.T) {
	c, err := New(secConfig())
	require.NoError(t, err)

	rec, discard := c.Clean(0, raw(map[string]any{
		"cik":     "1",
		"concept": "Revenues",
		"val":     "(D)",
		"start":   "03/31/24",
	}))
	require.Nil(t, discard)
	assert.True(t, rec.Get("value").IsNull())
	assert.True(t, rec.Get("period_start").IsNull())
	assert.True(t, rec.Get("period_end").IsNull())
	assert.ElementsMatch(t, []string{
		"value:unparsed_number",
		"period_start:unparsed_date",
		"period_end:unparsed_date",
	}, rec.NullFlags)
}

func TestClean_MissingRequiredFieldDiscards(t *testing.T) {
	c, err := New(secConfig())
	require.NoError(t, err)

	for name, fields := range map[string]map[string]any{
		"absent": {"concept": "Revenues"},
		"null":   {"cik": nil, "concept": "Revenues"},
		"blank":  {"cik": "   ", "concept": "Revenues"},
	} {
		t.Run(name, func(t *testing.T) {
			_, discard := c.Clean(7, raw(fields))
			require.NotNil(t, discard)
			assert.Equal(t, 7, discard.Seq)
			assert.Contains(t, discard.Reason, `"cik"`)
		})
	}
}

func TestCleanBatch_DedupKeepsFirst(t *testing.T) {
	c, err := New(secConfig())
	require.NoError(t, err)

	batch := []model.RawRecord{
		raw(map[string]any{"cik": "1", "concept": "Revenues", "val": 100, "end": "2023-12-31"}),
		raw(map[string]any{"concept": "Revenues"}),
		raw(map[string]any{"cik": "1", "concept": "REVENUES", "val": 120, "end": "2023-12-31"}),
		raw(map[string]any{"cik": "2", "concept": "Revenues", "val": 100, "end": "2023-12-31"}),
	}
	res := c.CleanBatch(batch)

	require.Len(t, res.Records, 2)
	assert.Equal(t, 0, res.Records[0].Seq)
	assert.Equal(t, 3, res.Records[1].Seq)
	require.Len(t, res.Discards, 1)
	assert.Equal(t, 1, res.Discards[0].Seq)

	require.Len(t, res.Duplicates, 1)
	dup := res.Duplicates[0]
	assert.Equal(t, 0, dup.Kept.Seq)
	assert.Equal(t, 2, dup.Dropped.Seq)
	v, _ := dup.Dropped.Get("value").Float()
	assert.InDelta(t, 120, v, 1e-9, "dropped duplicate keeps its own measures")
}

func TestCleanBatch_Deterministic(t *testing.T) {
	c, err := New(secConfig())
	require.NoError(t, err)
	batch := []model.RawRecord{
		raw(map[string]any{"cik": "9", "concept": "Revenues", "val": 1, "end": "2024-06-30"}),
	}
	a := c.CleanBatch(batch)
	b := c.CleanBatch(batch)
	assert.Equal(t, a.Records[0].Hash, b.Records[0].Hash)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no fields", Config{}, "at least one field"},
		{"unnamed", Config{Fields: []FieldSpec{{Type: TypeString}}}, "name is required"},
		{"duplicate", Config{Fields: []FieldSpec{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeNumber}}}, "duplicate field"},
		{"bad type", Config{Fields: []FieldSpec{{Name: "a", Type: "decimal"}}}, "unknown type"},
		{"bad range", Config{Fields: []FieldSpec{{Name: "a", Type: TypeNumber, Range: "avg"}}}, "unknown range"},
		{"concept field", Config{Fields: []FieldSpec{{Name: "a", Type: TypeString}}, ConceptField: "b"}, "concept_field"},
		{"dedup field", Config{Fields: []FieldSpec{{Name: "a", Type: TypeString}}, DedupFields: []string{"z"}}, "dedup field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
