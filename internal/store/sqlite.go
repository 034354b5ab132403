package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/starschema-etl/internal/model"
)

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. A single connection serializes writers inside the process; the
// busy timeout covers other processes.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	vertical    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	accepted    INTEGER NOT NULL DEFAULT 0,
	gate_score  REAL,
	run         TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	error       TEXT,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS quality_reports (
	run_id      TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
	report      TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_pages (
	scope       TEXT NOT NULL,
	partition   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	cursor_in   TEXT NOT NULL,
	cursor_out  TEXT NOT NULL,
	rows        INTEGER NOT NULL,
	body        BLOB NOT NULL,
	fetched_at  TEXT NOT NULL,
	PRIMARY KEY (scope, partition, seq)
);

CREATE TABLE IF NOT EXISTS dimension_rows (
	vertical      TEXT NOT NULL,
	dimension     TEXT NOT NULL,
	surrogate_key TEXT NOT NULL,
	natural_key   TEXT NOT NULL,
	version       INTEGER NOT NULL,
	is_current    INTEGER NOT NULL,
	end_date      TEXT,
	row           TEXT NOT NULL,
	PRIMARY KEY (vertical, dimension, surrogate_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_vertical ON runs(vertical);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_dimension_rows_current
	ON dimension_rows(vertical, dimension, natural_key) WHERE is_current = 1;
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces a run and its stages.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.PipelineRun) error {
	if run == nil || run.ID == "" {
		return eris.New("sqlite: run id is required")
	}
	runJSON, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save run")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, vertical, mode, status, accepted, gate_score, run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			accepted = excluded.accepted,
			gate_score = excluded.gate_score,
			run = excluded.run,
			updated_at = excluded.updated_at`,
		run.ID, run.Vertical, string(run.Mode), string(run.Status), boolInt(run.Accepted),
		nullFloat(run.OverallGateScore), string(runJSON), formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert run %s", run.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_stages WHERE run_id = ?`, run.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear stages %s", run.ID)
	}
	for i, st := range run.Stages {
		var finished sql.NullString
		if st.FinishedAt != nil {
			finished = sql.NullString{String: formatTime(*st.FinishedAt), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_stages (run_id, seq, status, started_at, finished_at, error) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, string(st.Status), formatTime(st.StartedAt), finished, st.Error,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert stage %s/%d", run.ID, i)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save run")
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	var runJSON string
	err := s.db.QueryRowContext(ctx, `SELECT run FROM runs WHERE id = ?`, runID).Scan(&runJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return decodeRun(runJSON)
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT run FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Vertical != "" {
		query += ` AND vertical = ?`
		args = append(args, filter.Vertical)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(filter.Since))
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PipelineRun
	for rows.Next() {
		var runJSON string
		if err := rows.Scan(&runJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r, err := decodeRun(runJSON)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Stats aggregates runs created since the given time.
func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*RunStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vertical, status, accepted, gate_score FROM runs WHERE created_at >= ?`,
		formatTime(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run stats")
	}
	defer rows.Close() //nolint:errcheck

	stats := &RunStats{ByVertical: map[string]int{}}
	var scoreSum float64
	var scored int
	for rows.Next() {
		var vertical, status string
		var accepted int
		var score sql.NullFloat64
		if err := rows.Scan(&vertical, &status, &accepted, &score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats")
		}
		stats.Total++
		stats.ByVertical[vertical]++
		switch model.RunStatus(status) {
		case model.RunStatusDone:
			stats.Done++
		case model.RunStatusFailed:
			stats.Failed++
		}
		if accepted == 1 {
			stats.Accepted++
		}
		if score.Valid {
			scoreSum += score.Float64
			scored++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats iterate")
	}
	if scored > 0 {
		mean := scoreSum / float64(scored)
		stats.MeanGateScore = &mean
	}
	return stats, nil
}

// SaveQualityReport stores the JSON form of a quality report.
func (s *SQLiteStore) SaveQualityReport(ctx context.Context, runID string, report any) error {
	data, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal quality report")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quality_reports (run_id, report, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET report = excluded.report, created_at = excluded.created_at`,
		runID, string(data), formatTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: save quality report %s", runID)
}

// GetQualityReport returns the stored report JSON.
func (s *SQLiteStore) GetQualityReport(ctx context.Context, runID string) (json.RawMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM quality_reports WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("quality report %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get quality report %s", runID)
	}
	return json.RawMessage(data), nil
}

// helpers

func decodeRun(data string) (*model.PipelineRun, error) {
	var r model.PipelineRun
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run")
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
