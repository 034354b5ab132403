package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

// LoadDimensions returns every stored dimension row of a vertical, ordered
// by natural key and version.
func (s *SQLiteStore) LoadDimensions(ctx context.Context, vertical string) (star.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dimension, row, is_current, end_date FROM dimension_rows
		 WHERE vertical = ? ORDER BY dimension, natural_key, version`,
		vertical,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load dimensions %s", vertical)
	}
	defer rows.Close() //nolint:errcheck

	snap := star.Snapshot{}
	for rows.Next() {
		var dim, data string
		var current int
		var end sql.NullString
		if err := rows.Scan(&dim, &data, &current, &end); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dimension row")
		}
		var r model.DimensionRow
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dimension row")
		}
		// is_current and end_date change after insert; the columns win.
		r.IsCurrent = current == 1
		r.EndDate = nil
		if end.Valid {
			t, err := parseTime(end.String)
			if err != nil {
				return nil, err
			}
			r.EndDate = &t
		}
		snap[dim] = append(snap[dim], r)
	}
	return snap, eris.Wrap(rows.Err(), "sqlite: load dimensions iterate")
}

// ApplyDimensionChanges commits a run's dimension writes in one
// transaction. New members are inserted with ON CONFLICT DO NOTHING; a
// skipped insert is accepted only when the stored row is identical. A new
// SCD2 version first closes its predecessor with a compare-and-set on
// is_current. Any lost race rolls everything back with
// ErrDimensionConflict.
func (s *SQLiteStore) ApplyDimensionChanges(ctx context.Context, vertical string, changes []model.DimensionChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin dimension changes")
	}
	defer tx.Rollback() //nolint:errcheck

	var inserted, flipped, replayed int
	for _, c := range changes {
		if !c.IsInsert() {
			end := c.Row.EffectiveDate
			res, err := tx.ExecContext(ctx,
				`UPDATE dimension_rows SET is_current = 0, end_date = ?
				 WHERE vertical = ? AND dimension = ? AND surrogate_key = ? AND is_current = 1`,
				formatTime(end), vertical, c.Dimension, c.ExpectedCurrent,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: close %s/%s", c.Dimension, c.ExpectedCurrent)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			if n != 1 {
				return fmt.Errorf("%s %s: expected current %s: %w",
					c.Dimension, model.JoinKey(c.NaturalKey), c.ExpectedCurrent, ErrDimensionConflict)
			}
			flipped++
		}

		ok, err := insertRow(ctx, tx, vertical, c.Row)
		if err != nil {
			return err
		}
		if ok {
			inserted++
			continue
		}
		same, err := sameRow(ctx, tx, vertical, c.Row)
		if err != nil {
			return err
		}
		if !same {
			return fmt.Errorf("%s %s: member written by another run: %w",
				c.Dimension, model.JoinKey(c.NaturalKey), ErrDimensionConflict)
		}
		replayed++
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit dimension changes")
	}
	zap.L().With(zap.String("component", "store")).Info("dimension changes applied",
		zap.String("vertical", vertical),
		zap.Int("inserted", inserted),
		zap.Int("versions_closed", flipped),
		zap.Int("already_present", replayed),
	)
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, vertical string, r model.DimensionRow) (bool, error) {
	data, err := rowJSON(r)
	if err != nil {
		return false, err
	}
	var end sql.NullString
	if r.EndDate != nil {
		end = sql.NullString{String: formatTime(*r.EndDate), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO dimension_rows (vertical, dimension, surrogate_key, natural_key, version, is_current, end_date, row)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		vertical, r.Dimension, r.SurrogateKey, r.NaturalKeyString(), r.Version, boolInt(r.IsCurrent), end, data,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert %s/%s", r.Dimension, r.SurrogateKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// sameRow reports whether the stored row under r's surrogate key carries
// the same content and is still current.
func sameRow(ctx context.Context, tx *sql.Tx, vertical string, r model.DimensionRow) (bool, error) {
	var stored string
	var current int
	err := tx.QueryRowContext(ctx,
		`SELECT row, is_current FROM dimension_rows WHERE vertical = ? AND dimension = ? AND surrogate_key = ?`,
		vertical, r.Dimension, r.SurrogateKey,
	).Scan(&stored, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: read %s/%s", r.Dimension, r.SurrogateKey)
	}
	data, err := rowJSON(r)
	if err != nil {
		return false, err
	}
	return stored == data && current == boolInt(r.IsCurrent), nil
}

// rowJSON encodes the immutable part of a row.
func rowJSON(r model.DimensionRow) (string, error) {
	r.IsCurrent = true
	r.EndDate = nil
	data, err := json.Marshal(r)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal dimension row")
	}
	return string(data), nil
}
