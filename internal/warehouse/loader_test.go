package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/starschema-etl/internal/export"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

func fixture() (star.Config, *star.Result) {
	cfg := star.Config{
		Dimensions: []star.DimensionSpec{{Name: "agency", NaturalKey: []string{"agency_code"}, Attributes: []string{"agency_name"}}},
		Facts: []star.FactSpec{{
			Name:       "awards",
			Dimensions: []string{"agency"},
			Measures:   []star.MeasureSpec{{Name: "obligated"}},
		}},
	}
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := &star.Result{
		Dimensions: map[string][]model.DimensionRow{
			"agency": {{
				Dimension:     "agency",
				SurrogateKey:  "sk1",
				NaturalKey:    []string{"097"},
				Attributes:    map[string]model.Value{"agency_name": model.String("DOD")},
				Version:       1,
				EffectiveDate: day,
				IsCurrent:     true,
			}},
		},
		Facts: []model.FactRow{{
			Fact:        "awards",
			FactID:      "f1",
			ForeignKeys: map[string]string{"agency": "sk1"},
			Measures:    map[string]model.Value{"obligated": model.Null()},
			CreatedAt:   day,
		}},
	}
	return cfg, res
}

func TestLoad(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "star"."dim_agency"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_star_dim_agency"},
		[]string{"agency_code", "surrogate_key", "agency_name", "effective_date", "end_date", "is_current", "version"}).
		WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("surrogate_key"\) DO UPDATE SET "end_date"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "star"."fact_awards"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_star_fact_awards"},
		[]string{"fact_id", "agency_key", "obligated", "created_at"}).
		WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("fact_id"\)`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	cfg, res := fixture()
	out, err := NewLoader(mock, "").Load(context.Background(), cfg, res)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Rows["dim_agency"])
	assert.Equal(t, int64(1), out.Rows["fact_awards"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAppendsQuarantine(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg, res := fixture()
	res.Dimensions = nil
	res.Facts = nil
	res.Quarantine = []model.QuarantinedFact{{
		Fact:      "awards",
		FactHash:  "h1",
		Dimension: "agency",
		Reason:    star.ErrNullNaturalKey.Error(),
		Record:    model.CleanedRecord{Seq: 7},
	}}

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "star"."dim_agency"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "star"."fact_awards"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "star"."quarantine_log"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"star", QuarantineTable},
		[]string{"fact", "fact_hash", "dimension", "reason", "source_seq", "loaded_at"}).
		WillReturnResult(1)

	l := NewLoader(mock, "")
	l.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	out, err := l.Load(context.Background(), cfg, res)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Rows[QuarantineTable])
	assert.Equal(t, int64(0), out.Rows["fact_awards"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStopsOnCreateError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(errors.New("permission denied"))

	cfg, res := fixture()
	_, err = NewLoader(mock, "analytics").Load(context.Background(), cfg, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse: create analytics.dim_agency")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowsConvertsNulls(t *testing.T) {
	cfg, res := fixture()
	tbl := export.FactTable(cfg.Facts[0], res.Facts)
	rows := Rows(tbl)
	require.Len(t, rows, 1)
	assert.Equal(t, "f1", rows[0][0])
	assert.Equal(t, "sk1", rows[0][1])
	assert.Nil(t, rows[0][2])
	assert.Equal(t, "2024-01-01", rows[0][3])
}

func TestCreateTableSQL(t *testing.T) {
	cfg, res := fixture()
	tbl := export.DimensionTable(cfg.Dimensions[0], res.Dimensions["agency"])
	sql := CreateTableSQL("star", tbl, "surrogate_key")
	assert.Contains(t, sql, `"surrogate_key" TEXT PRIMARY KEY`)
	assert.Contains(t, sql, `"is_current" BOOLEAN`)
	assert.Contains(t, sql, `"version" BIGINT`)
}
