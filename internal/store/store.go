// Package store persists run history, extraction checkpoints, quality
// reports, and the cross-run dimension tables.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

var (
	// ErrNotFound is returned when a run or report does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDimensionConflict means another run changed a dimension member
	// after this run read it. Nothing from the batch was committed.
	ErrDimensionConflict = errors.New("store: dimension changed concurrently")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	Vertical string          `json:"vertical,omitempty"`
	Since    time.Time       `json:"since,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// RunStats summarizes runs started since a point in time.
type RunStats struct {
	Total         int            `json:"total"`
	Done          int            `json:"done"`
	Failed        int            `json:"failed"`
	Accepted      int            `json:"accepted"`
	ByVertical    map[string]int `json:"by_vertical"`
	MeanGateScore *float64       `json:"mean_gate_score,omitempty"`
}

// FailureRate is failed / total, zero without runs.
func (s RunStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Store is the persistence surface of the orchestrator, CLI, and API.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)
	Stats(ctx context.Context, since time.Time) (*RunStats, error)

	// Quality reports
	SaveQualityReport(ctx context.Context, runID string, report any) error
	GetQualityReport(ctx context.Context, runID string) (json.RawMessage, error)

	// Checkpoints
	LoadPages(ctx context.Context, key model.CheckpointKey) ([]model.StoredPage, error)
	SavePage(ctx context.Context, key model.CheckpointKey, page model.StoredPage) error
	ClearPages(ctx context.Context, scope string) (int, error)

	// Dimensions
	LoadDimensions(ctx context.Context, vertical string) (star.Snapshot, error)
	ApplyDimensionChanges(ctx context.Context, vertical string, changes []model.DimensionChange) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}
