package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/sells-group/starschema-etl/internal/config"
	"github.com/sells-group/starschema-etl/internal/kpi"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/quality"
	"github.com/sells-group/starschema-etl/internal/star"
)

var day = time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

func testSchema() star.Config {
	return star.Config{
		Dimensions: []star.DimensionSpec{{
			Name:       "company",
			NaturalKey: []string{"cik"},
			Attributes: []string{"name", "employees"},
			SCD2:       true,
		}},
		Facts: []star.FactSpec{{
			Name:       "financials",
			Dimensions: []string{"company"},
			Measures:   []star.MeasureSpec{{Name: "revenue"}},
			Attributes: []string{"form"},
			PeriodEnd:  "period_end",
		}},
	}
}

func testModel() *star.Result {
	end := day
	return &star.Result{
		Dimensions: map[string][]model.DimensionRow{
			"company": {
				{
					Dimension:     "company",
					SurrogateKey:  "aaaa",
					NaturalKey:    []string{"0001"},
					Attributes:    map[string]model.Value{"name": model.String("Acme, Inc."), "employees": model.Number(10)},
					Version:       1,
					EffectiveDate: day.AddDate(-1, 0, 0),
					EndDate:       &end,
				},
				{
					Dimension:     "company",
					SurrogateKey:  "bbbb",
					NaturalKey:    []string{"0001"},
					Attributes:    map[string]model.Value{"name": model.String("Acme Corp"), "employees": model.Null()},
					Version:       2,
					EffectiveDate: day,
					IsCurrent:     true,
				},
			},
		},
		Facts: []model.FactRow{{
			Fact:        "financials",
			FactID:      "f1",
			ForeignKeys: map[string]string{"company": "bbbb"},
			Measures:    map[string]model.Value{"revenue": model.Number(1250.5)},
			Attributes: map[string]model.Value{
				"form":               model.String("10-K"),
				star.AttrPeriodStart: model.Null(),
				star.AttrPeriodEnd:   model.Time(day),
				star.AttrPeriodType:  model.String("instant"),
			},
			CreatedAt: day,
		}},
	}
}

func TestDimensionTableLayout(t *testing.T) {
	tbl := DimensionTable(testSchema().Dimensions[0], testModel().Dimensions["company"])

	var names []string
	for _, c := range tbl.Columns {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"cik", "surrogate_key", "name", "employees", "effective_date", "end_date", "is_current", "version"}, names)
	assert.Equal(t, ColNumber, tbl.Columns[3].Type)
	assert.Equal(t, ColInt, tbl.Columns[7].Type)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "2024-12-31", tbl.Rows[0][5].Text())
	assert.True(t, tbl.Rows[1][5].IsNull())
}

func TestFactTableLayout(t *testing.T) {
	tbl := FactTable(testSchema().Facts[0], testModel().Facts)
	var names []string
	for _, c := range tbl.Columns {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"fact_id", "company_key", "revenue", "form", "period_start", "period_end", "period_type", "created_at"}, names)
	assert.Equal(t, "bbbb", tbl.Rows[0][1].Text())
}

func TestWriteCSV(t *testing.T) {
	tbl := DimensionTable(testSchema().Dimensions[0], testModel().Dimensions["company"])
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, tbl))

	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"0001", "aaaa", "Acme, Inc.", "10", "2023-12-31", "2024-12-31", "false", "1"}, recs[1])
	assert.Equal(t, []string{"0001", "bbbb", "Acme Corp", "", "2024-12-31", "", "true", "2"}, recs[2])
}

func TestWriteParquet(t *testing.T) {
	tbl := FactTable(testSchema().Facts[0], testModel().Facts)
	path := filepath.Join(t.TempDir(), "fact.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteParquet(f, tbl))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data[:4]))
	assert.Equal(t, "PAR1", string(data[len(data)-4:]))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	assert.Equal(t, int64(1), pr.GetNumRows())
}

func testBundle() Bundle {
	return Bundle{
		Vertical: "sec_financial",
		RunID:    "run-1",
		Schema:   testSchema(),
		Model:    testModel(),
		KPI:      &kpi.Report{Summary: kpi.Summary{Entities: 1}},
		Quality: &quality.Report{
			OverallScore: 0.93,
			Accepted:     true,
			Gates:        []model.GateResult{{Name: "completeness", Score: 1, Weight: 1, Passed: true}},
		},
	}
}

func TestExportWritesAllArtifacts(t *testing.T) {
	out := t.TempDir()
	bucket := t.TempDir()
	exp, err := New(out, []string{FormatCSV, FormatParquet}, WithUpload(NewLocalStore(bucket), "lake"))
	require.NoError(t, err)

	m, err := exp.Export(context.Background(), testBundle())
	require.NoError(t, err)

	runDir := filepath.Join(out, "sec_financial", "run-1")
	assert.Equal(t, runDir, m.Dir)
	for _, name := range []string{
		"dim_company.csv", "dim_company.parquet",
		"fact_financials.csv", "fact_financials.parquet",
		KPIReportFile, QualityReportFile, QuarantineFile,
	} {
		assert.FileExists(t, filepath.Join(runDir, name))
	}

	q, err := ReadQualityReport(runDir)
	require.NoError(t, err)
	assert.InDelta(t, 0.93, q.OverallScore, 1e-9)

	raw, err := os.ReadFile(filepath.Join(runDir, QuarantineFile))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))

	keys, err := NewLocalStore(bucket).ListPrefix(context.Background(), "lake/sec_financial/run-1")
	require.NoError(t, err)
	assert.Len(t, keys, 7)
	assert.Equal(t, m.Uploaded, keys)
}

func TestExportPartial(t *testing.T) {
	out := t.TempDir()
	exp, err := New(out, nil)
	require.NoError(t, err)

	run := model.NewPipelineRun("run-2", "gaming", model.ModeQuick, day)
	run.RowCounts.Extracted = 40
	run.Fail(assert.AnError, day)

	m, err := exp.ExportPartial(context.Background(), Bundle{
		Vertical: "gaming",
		RunID:    "run-2",
		Run:      run,
		Quality:  &quality.Report{OverallScore: 0.3, Fatal: true},
	})
	require.NoError(t, err)
	partial := filepath.Join(out, "gaming", "run-2", PartialDir)
	assert.Equal(t, partial, m.Dir)
	assert.Len(t, m.Files, 2)
	assert.NoFileExists(t, filepath.Join(partial, QuarantineFile))

	var got model.PipelineRun
	data, err := os.ReadFile(filepath.Join(partial, RunFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, 40, got.RowCounts.Extracted)

	q, err := ReadQualityReport(filepath.Join(out, "gaming", "run-2"))
	require.NoError(t, err)
	assert.True(t, q.Fatal)
}

func TestExportIsDeterministic(t *testing.T) {
	out := t.TempDir()
	exp, err := New(out, []string{FormatCSV})
	require.NoError(t, err)

	_, err = exp.Export(context.Background(), testBundle())
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(out, "sec_financial", "run-1", "fact_financials.csv"))
	require.NoError(t, err)

	_, err = exp.Export(context.Background(), testBundle())
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(out, "sec_financial", "run-1", "fact_financials.csv"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(string(first), "fact_id,company_key,revenue"))
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(t.TempDir(), []string{"xlsx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestNewMinIOStoreValidates(t *testing.T) {
	_, err := NewMinIOStore(config.ObjectStoreConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")

	_, err = NewMinIOStore(config.ObjectStoreConfig{Endpoint: "localhost:9000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	s, err := NewMinIOStore(config.ObjectStoreConfig{
		Endpoint:  "https://s3.example.com",
		Bucket:    "artifacts",
		AccessKey: "k",
		SecretKey: "s",
	})
	require.NoError(t, err)
	assert.Equal(t, "artifacts", s.bucket)
}
