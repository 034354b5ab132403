package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal     int      `json:"runs_total"`
	RunsDone      int      `json:"runs_done"`
	RunsFailed    int      `json:"runs_failed"`
	RunsInFlight  int      `json:"runs_in_flight"`
	RunsAccepted  int      `json:"runs_accepted"`
	RunsRejected  int      `json:"runs_rejected"`
	FailRate      float64  `json:"fail_rate"`
	MeanGateScore *float64 `json:"mean_gate_score,omitempty"`

	// FailingVerticals had failed runs and no finished run in the window.
	FailingVerticals []string       `json:"failing_verticals,omitempty"`
	ByVertical       map[string]int `json:"by_vertical"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the part of the store the collector reads.
type RunSource interface {
	Stats(ctx context.Context, since time.Time) (*store.RunStats, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
}

// Collector gathers run metrics from the store.
type Collector struct {
	runs RunSource
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunSource) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}

	stats, err := c.runs.Stats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run stats")
	}
	snap.RunsTotal = stats.Total
	snap.RunsDone = stats.Done
	snap.RunsFailed = stats.Failed
	snap.RunsInFlight = stats.Total - stats.Done - stats.Failed
	snap.RunsAccepted = stats.Accepted
	snap.RunsRejected = stats.Done - stats.Accepted
	if snap.RunsRejected < 0 {
		snap.RunsRejected = 0
	}
	snap.FailRate = stats.FailureRate()
	snap.MeanGateScore = stats.MeanGateScore
	snap.ByVertical = stats.ByVertical

	if stats.Failed == 0 {
		return snap, nil
	}

	failed, err := c.runs.ListRuns(ctx, store.RunFilter{
		Status: model.RunStatusFailed,
		Since:  cutoff,
		Limit:  10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed runs")
	}
	seen := make(map[string]bool)
	for _, r := range failed {
		if seen[r.Vertical] {
			continue
		}
		seen[r.Vertical] = true
		done, err := c.runs.ListRuns(ctx, store.RunFilter{
			Status:   model.RunStatusDone,
			Vertical: r.Vertical,
			Since:    cutoff,
			Limit:    1,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list done runs for %s", r.Vertical)
		}
		if len(done) == 0 {
			snap.FailingVerticals = append(snap.FailingVerticals, r.Vertical)
		}
	}
	sort.Strings(snap.FailingVerticals)
	return snap, nil
}
