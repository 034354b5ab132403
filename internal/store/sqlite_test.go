package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/starschema-etl/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func finishedRun(id, vertical string, created time.Time, score float64, accepted bool) *model.PipelineRun {
	run := model.NewPipelineRun(id, vertical, model.ModeTest, created)
	for i, st := range []model.RunStatus{
		model.RunStatusExtracting, model.RunStatusCleaning, model.RunStatusModeling,
		model.RunStatusValidating, model.RunStatusAnalyzing, model.RunStatusExporting, model.RunStatusDone,
	} {
		if err := run.Enter(st, created.Add(time.Duration(i+1)*time.Second)); err != nil {
			panic(err)
		}
	}
	run.OverallGateScore = &score
	run.Accepted = accepted
	run.RowCounts.Extracted = 250
	return run
}

func TestSQLite_SaveAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := finishedRun(NewRunID(), "sec_financial", t0, 0.92, true)
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
	assert.Equal(t, 250, got.RowCounts.Extracted)
	assert.Len(t, got.Stages, 6)
	require.NotNil(t, got.OverallGateScore)
	assert.InDelta(t, 0.92, *got.OverallGateScore, 1e-9)

	// Saving again updates in place.
	run.RowCounts.Cleaned = 240
	require.NoError(t, st.SaveRun(ctx, run))
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 240, got.RowCounts.Cleaned)
}

func TestSQLite_GetRunNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListRunsAndStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveRun(ctx, finishedRun("a", "sec_financial", t0, 0.9, true)))
	require.NoError(t, st.SaveRun(ctx, finishedRun("b", "gaming", t0.Add(time.Hour), 0.7, false)))
	failed := model.NewPipelineRun("c", "gaming", model.ModeQuick, t0.Add(2*time.Hour))
	require.NoError(t, failed.Enter(model.RunStatusExtracting, t0.Add(2*time.Hour)))
	failed.Fail(errors.New("extract: aborted"), t0.Add(2*time.Hour))
	require.NoError(t, st.SaveRun(ctx, failed))

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "a", runs[2].ID)

	runs, err = st.ListRuns(ctx, RunFilter{Vertical: "gaming", Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "extract: aborted", runs[0].Error)

	runs, err = st.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].ID)

	stats, err := st.Stats(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Accepted)
	assert.Equal(t, 2, stats.ByVertical["gaming"])
	assert.InDelta(t, 0.5, stats.FailureRate(), 1e-9)
	require.NotNil(t, stats.MeanGateScore)
	assert.InDelta(t, 0.7, *stats.MeanGateScore, 1e-9)
}

func TestSQLite_QualityReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveRun(ctx, finishedRun("r1", "gaming", t0, 0.9, true)))

	require.NoError(t, st.SaveQualityReport(ctx, "r1", map[string]any{"overall_score": 0.9, "accepted": true}))
	raw, err := st.GetQualityReport(ctx, "r1")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, true, got["accepted"])

	_, err = st.GetQualityReport(ctx, "r2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Checkpoints(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	key := model.CheckpointKey{Scope: "gaming/test/abc", Partition: "steam"}

	for _, seq := range []int{2, 0, 1} {
		require.NoError(t, st.SavePage(ctx, key, model.StoredPage{
			Seq:       seq,
			CursorIn:  "in",
			CursorOut: "out",
			Rows:      100,
			Body:      []byte{byte(seq), 0xff},
			FetchedAt: t0,
		}))
	}
	// Replacing a sequence keeps one copy.
	require.NoError(t, st.SavePage(ctx, key, model.StoredPage{Seq: 1, Body: []byte("new"), FetchedAt: t0}))

	pages, err := st.LoadPages(ctx, key)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, 0, pages[0].Seq)
	assert.Equal(t, []byte("new"), pages[1].Body)
	assert.True(t, t0.Equal(pages[2].FetchedAt))

	other, err := st.LoadPages(ctx, model.CheckpointKey{Scope: "gaming/test/abc", Partition: "other"})
	require.NoError(t, err)
	assert.Empty(t, other)

	n, err := st.ClearPages(ctx, "gaming/test/abc")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	pages, err = st.LoadPages(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, pages)
}
