package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

func companyConfig() star.Config {
	return star.Config{
		Dimensions: []star.DimensionSpec{{
			Name:       "company",
			NaturalKey: []string{"cik"},
			Attributes: []string{"name"},
			SCD2:       true,
		}},
		Facts: []star.FactSpec{{
			Name:       "financials",
			Dimensions: []string{"company"},
			Measures:   []star.MeasureSpec{{Name: "value"}},
		}},
	}
}

func companyRecord(seq int, cik, name string) model.CleanedRecord {
	return model.CleanedRecord{
		Seq: seq,
		Values: map[string]model.Value{
			"cik":   model.String(cik),
			"name":  model.String(name),
			"value": model.Number(float64(seq)),
		},
	}
}

// modelRun loads the stored snapshot, models records, and applies the
// resulting changes.
func modelRun(t *testing.T, st *SQLiteStore, recs ...model.CleanedRecord) (*star.Result, error) {
	t.Helper()
	ctx := context.Background()
	snap, err := st.LoadDimensions(ctx, "sec_financial")
	require.NoError(t, err)
	m, err := star.NewModeler(companyConfig(), snap)
	require.NoError(t, err)
	res := m.Model(star.Input{Records: recs, AsOf: t0})
	return res, st.ApplyDimensionChanges(ctx, "sec_financial", res.Changes)
}

func TestDimensions_RoundTripAndIdempotentRerun(t *testing.T) {
	st := newTestSQLiteStore(t)

	first, err := modelRun(t, st, companyRecord(1, "0001", "Acme"), companyRecord(2, "0002", "Beta"))
	require.NoError(t, err)
	require.Len(t, first.Changes, 2)

	second, err := modelRun(t, st, companyRecord(1, "0001", "Acme"), companyRecord(2, "0002", "Beta"))
	require.NoError(t, err)
	assert.Empty(t, second.Changes)
	assert.Equal(t, first.Dimensions["company"], second.Dimensions["company"])
	assert.Equal(t, first.Facts[0].ForeignKeys, second.Facts[0].ForeignKeys)
}

func TestDimensions_SCD2VersionPersists(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := modelRun(t, st, companyRecord(1, "0001", "Acme"))
	require.NoError(t, err)
	res, err := modelRun(t, st, companyRecord(1, "0001", "Acme Corp"))
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.False(t, res.Changes[0].IsInsert())

	snap, err := st.LoadDimensions(ctx, "sec_financial")
	require.NoError(t, err)
	rows := snap["company"]
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Version)
	assert.False(t, rows[0].IsCurrent)
	require.NotNil(t, rows[0].EndDate)
	assert.True(t, rows[0].EndDate.Equal(rows[1].EffectiveDate))
	assert.Equal(t, 2, rows[1].Version)
	assert.True(t, rows[1].IsCurrent)
	assert.Equal(t, "Acme Corp", rows[1].Attributes["name"].Text())

	// Exactly one current row per natural key.
	current := 0
	for _, r := range rows {
		if r.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

func TestDimensions_LostCASRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := modelRun(t, st, companyRecord(1, "0001", "Acme"))
	require.NoError(t, err)

	// Two runs read the same snapshot and both rename the company.
	snap, err := st.LoadDimensions(ctx, "sec_financial")
	require.NoError(t, err)
	mA, err := star.NewModeler(companyConfig(), snap)
	require.NoError(t, err)
	mB, err := star.NewModeler(companyConfig(), snap)
	require.NoError(t, err)

	resA := mA.Model(star.Input{Records: []model.CleanedRecord{companyRecord(1, "0001", "Acme Corp")}, AsOf: t0})
	resB := mB.Model(star.Input{Records: []model.CleanedRecord{
		companyRecord(1, "0001", "Acme Holdings"),
		companyRecord(2, "0003", "Gamma"),
	}, AsOf: t0})

	require.NoError(t, st.ApplyDimensionChanges(ctx, "sec_financial", resA.Changes))
	err = st.ApplyDimensionChanges(ctx, "sec_financial", resB.Changes)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionConflict))

	// Gamma from the losing batch was rolled back.
	snap, err = st.LoadDimensions(ctx, "sec_financial")
	require.NoError(t, err)
	require.Len(t, snap["company"], 2)
	for _, r := range snap["company"] {
		assert.NotEqual(t, "0003", r.NaturalKeyString())
	}
}

func TestDimensions_InsertRaceWithDifferentContent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	row := model.DimensionRow{
		Dimension:     "company",
		SurrogateKey:  star.SurrogateKey("company", []string{"0009"}, 1),
		NaturalKey:    []string{"0009"},
		Attributes:    map[string]model.Value{"name": model.String("Delta")},
		Version:       1,
		EffectiveDate: t0,
		IsCurrent:     true,
	}
	change := model.DimensionChange{Dimension: "company", NaturalKey: row.NaturalKey, Row: row}
	require.NoError(t, st.ApplyDimensionChanges(ctx, "sec_financial", []model.DimensionChange{change}))

	// Replaying the identical insert is fine.
	require.NoError(t, st.ApplyDimensionChanges(ctx, "sec_financial", []model.DimensionChange{change}))

	other := change
	other.Row.Attributes = map[string]model.Value{"name": model.String("Delta Ltd")}
	other.Row.EffectiveDate = t0.Add(24 * time.Hour)
	err := st.ApplyDimensionChanges(ctx, "sec_financial", []model.DimensionChange{other})
	assert.True(t, errors.Is(err, ErrDimensionConflict))
}

func TestDimensions_ScopedByVertical(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := modelRun(t, st, companyRecord(1, "0001", "Acme"))
	require.NoError(t, err)

	snap, err := st.LoadDimensions(context.Background(), "gaming")
	require.NoError(t, err)
	assert.Empty(t, snap)
}
