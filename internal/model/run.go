package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus is the orchestrator state of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusExtracting RunStatus = "extracting"
	RunStatusCleaning   RunStatus = "cleaning"
	RunStatusModeling   RunStatus = "modeling"
	RunStatusValidating RunStatus = "validating"
	RunStatusAnalyzing  RunStatus = "analyzing"
	RunStatusExporting  RunStatus = "exporting"
	RunStatusDone       RunStatus = "done"
	RunStatusFailed     RunStatus = "failed"
)

// stageOrder is the only legal forward path through a run.
var stageOrder = []RunStatus{
	RunStatusPending,
	RunStatusExtracting,
	RunStatusCleaning,
	RunStatusModeling,
	RunStatusValidating,
	RunStatusAnalyzing,
	RunStatusExporting,
	RunStatusDone,
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

// CanTransition reports whether a run may move from one status to another.
// Failed is reachable from every non-terminal status.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == RunStatusFailed {
		return true
	}
	for i, s := range stageOrder[:len(stageOrder)-1] {
		if s == from {
			return stageOrder[i+1] == to
		}
	}
	return false
}

// Mode selects extraction volume.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeTest  Mode = "test"
	ModeQuick Mode = "quick"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeTest, ModeQuick:
		return Mode(s), nil
	default:
		return "", eris.Errorf("model: unknown mode %q (want full, test, or quick)", s)
	}
}

// StageRecord timestamps one stage of a run.
type StageRecord struct {
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RowCounts tracks row volumes through every stage. Dedup and collision
// handling only ever shows up here as deltas.
type RowCounts struct {
	Extracted        int            `json:"extracted"`
	ExtractErrors    int            `json:"extract_errors"`
	PagesFetched     int            `json:"pages_fetched"`
	PagesReplayed    int            `json:"pages_replayed"`
	Cleaned          int            `json:"cleaned"`
	Discarded        int            `json:"discarded"`
	CleanDuplicates  int            `json:"clean_duplicates"`
	DimensionRows    map[string]int `json:"dimension_rows,omitempty"`
	DimensionChanges int            `json:"dimension_changes"`
	Facts            int            `json:"facts"`
	FactDuplicates   int            `json:"fact_duplicates"`
	Quarantined      int            `json:"quarantined"`
}

// PipelineRun is the only mutable state of an invocation. It is passed
// explicitly through every stage.
type PipelineRun struct {
	ID               string        `json:"id"`
	Vertical         string        `json:"vertical"`
	Mode             Mode          `json:"mode"`
	Status           RunStatus     `json:"status"`
	Stages           []StageRecord `json:"stages"`
	RowCounts        RowCounts     `json:"row_counts"`
	OverallGateScore *float64      `json:"overall_gate_score,omitempty"`
	Accepted         bool          `json:"accepted"`
	Error            string        `json:"error,omitempty"`
	// PartitionErrors maps partitions that ended early to their error.
	PartitionErrors map[string]string `json:"partition_errors,omitempty"`
	ArtifactDir     string            `json:"artifact_dir,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewPipelineRun creates a pending run.
func NewPipelineRun(id, vertical string, mode Mode, now time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Vertical:  vertical,
		Mode:      mode,
		Status:    RunStatusPending,
		RowCounts: RowCounts{DimensionRows: map[string]int{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Enter moves the run into the next stage, closing the current one.
func (r *PipelineRun) Enter(status RunStatus, now time.Time) error {
	if !CanTransition(r.Status, status) {
		return eris.Errorf("model: illegal run transition %s -> %s", r.Status, status)
	}
	r.closeStage(now, "")
	r.Status = status
	r.UpdatedAt = now
	if !status.Terminal() {
		r.Stages = append(r.Stages, StageRecord{Status: status, StartedAt: now})
	}
	return nil
}

// Fail moves the run to Failed from any non-terminal status.
func (r *PipelineRun) Fail(err error, now time.Time) {
	if r.Status.Terminal() {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.closeStage(now, msg)
	r.Status = RunStatusFailed
	r.Error = msg
	r.UpdatedAt = now
}

// StageDuration returns how long a stage took, zero if it never finished.
func (r *PipelineRun) StageDuration(status RunStatus) time.Duration {
	for _, s := range r.Stages {
		if s.Status == status && s.FinishedAt != nil {
			return s.FinishedAt.Sub(s.StartedAt)
		}
	}
	return 0
}

func (r *PipelineRun) closeStage(now time.Time, errMsg string) {
	if len(r.Stages) == 0 {
		return
	}
	last := &r.Stages[len(r.Stages)-1]
	if last.FinishedAt != nil {
		return
	}
	t := now
	last.FinishedAt = &t
	last.Error = errMsg
}
