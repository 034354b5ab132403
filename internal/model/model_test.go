package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) Value {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return Time(t)
}

func TestClassifyPeriod(t *testing.T) {
	tests := []struct {
		name       string
		start, end Value
		want       PeriodType
	}{
		{"null start is instant", Null(), date("2024-03-31"), PeriodInstant},
		{"null start and end is instant", Null(), Null(), PeriodInstant},
		{"90 days", date("2024-01-01"), date("2024-03-31"), PeriodQuarterly},
		{"zero days", date("2024-01-01"), date("2024-01-01"), PeriodQuarterly},
		{"99 days", date("2024-01-01"), date("2024-04-09"), PeriodQuarterly},
		{"100 days", date("2024-01-01"), date("2024-04-10"), PeriodAnnual},
		{"365 days", date("2024-01-01"), date("2024-12-31"), PeriodAnnual},
		{"399 days", date("2024-01-01"), date("2025-02-03"), PeriodAnnual},
		{"500 days", date("2024-01-01"), date("2025-05-15"), PeriodMultiYear},
		{"end before start", date("2024-06-01"), date("2024-01-01"), PeriodUnknown},
		{"null end", date("2024-01-01"), Null(), PeriodUnknown},
		{"non-date start", String("Q1"), date("2024-01-01"), PeriodUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPeriod(tt.start, tt.end))
		})
	}
}

func TestNumberRejectsNaNAndInf(t *testing.T) {
	assert.True(t, Number(math.NaN()).IsNull())
	assert.True(t, Number(math.Inf(1)).IsNull())
	assert.True(t, Number(math.Inf(-1)).IsNull())
	f, ok := Number(1.5).Float()
	assert.True(t, ok)
	assert.InDelta(t, 1.5, f, 1e-9)
}

func TestValueText(t *testing.T) {
	assert.Equal(t, "", Null().Text())
	assert.Equal(t, "1234.5", Number(1234.5).Text())
	assert.Equal(t, "100", Number(100).Text())
	assert.Equal(t, "abc", String("abc").Text())
	assert.Equal(t, "true", Bool(true).Text())
	assert.Equal(t, "2024-03-31", date("2024-03-31").Text())
	assert.Equal(t, "2024-03-31T10:30:00Z", Time(time.Date(2024, 3, 31, 10, 30, 0, 0, time.UTC)).Text())
}

func TestValueCompare(t *testing.T) {
	assert.Positive(t, Number(2023).Compare(Number(999)))
	assert.Negative(t, date("2024-12-31").Compare(date("2025-01-01")))
	assert.Zero(t, String("b").Compare(String("b")))
	assert.Negative(t, Bool(false).Compare(Bool(true)))
	assert.Negative(t, Null().Compare(Number(-1)))
	assert.Positive(t, String("").Compare(Null()))
	assert.Zero(t, Null().Compare(Null()))
}

func TestValueJSONRoundTrip(t *testing.T) {
	in := map[string]Value{
		"n": Number(2.5),
		"s": String("ACME"),
		"d": date("2024-01-01"),
		"b": Bool(false),
		"z": Null(),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2.5,"s":"ACME","d":"2024-01-01","b":false,"z":null}`, string(data))

	var out map[string]Value
	require.NoError(t, json.Unmarshal(data, &out))
	for k, v := range in {
		assert.True(t, v.Equal(out[k]), "key %s", k)
	}
}

func TestLookupPath(t *testing.T) {
	m := map[string]any{
		"a.b": "literal",
		"entity": map[string]any{
			"name": "ACME",
			"addr": map[string]any{"state": "TX"},
		},
	}
	v, ok := LookupPath(m, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "literal", v)

	v, ok = LookupPath(m, "entity.addr.state")
	assert.True(t, ok)
	assert.Equal(t, "TX", v)

	_, ok = LookupPath(m, "entity.missing")
	assert.False(t, ok)
	_, ok = LookupPath(nil, "x")
	assert.False(t, ok)
}

func TestPipelineRunTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	run := NewPipelineRun("r1", "sec_financial", ModeTest, now)

	for i, st := range []RunStatus{
		RunStatusExtracting, RunStatusCleaning, RunStatusModeling,
		RunStatusValidating, RunStatusAnalyzing, RunStatusExporting, RunStatusDone,
	} {
		require.NoError(t, run.Enter(st, now.Add(time.Duration(i+1)*time.Second)))
	}
	assert.Equal(t, RunStatusDone, run.Status)
	assert.Len(t, run.Stages, 6)
	for _, s := range run.Stages {
		require.NotNil(t, s.FinishedAt)
	}
	assert.Equal(t, time.Second, run.StageDuration(RunStatusCleaning))

	// Terminal runs do not move.
	assert.Error(t, run.Enter(RunStatusExtracting, now))
	run.Fail(errors.New("late"), now)
	assert.Equal(t, RunStatusDone, run.Status)
}

func TestPipelineRunRejectsSkippedStage(t *testing.T) {
	now := time.Now()
	run := NewPipelineRun("r2", "v", ModeQuick, now)
	require.NoError(t, run.Enter(RunStatusExtracting, now))
	err := run.Enter(RunStatusModeling, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal run transition")
}

func TestPipelineRunFail(t *testing.T) {
	now := time.Now()
	run := NewPipelineRun("r3", "v", ModeFull, now)
	require.NoError(t, run.Enter(RunStatusExtracting, now))
	run.Fail(errors.New("source down"), now.Add(time.Second))

	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, "source down", run.Error)
	require.Len(t, run.Stages, 1)
	assert.Equal(t, "source down", run.Stages[0].Error)
	assert.NotNil(t, run.Stages[0].FinishedAt)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("quick")
	require.NoError(t, err)
	assert.Equal(t, ModeQuick, m)
	_, err = ParseMode("turbo")
	assert.Error(t, err)
}
