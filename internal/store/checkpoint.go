package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/model"
)

// LoadPages returns the stored pages of one partition in sequence order.
func (s *SQLiteStore) LoadPages(ctx context.Context, key model.CheckpointKey) ([]model.StoredPage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, cursor_in, cursor_out, rows, body, fetched_at FROM raw_pages
		 WHERE scope = ? AND partition = ? ORDER BY seq`,
		key.Scope, key.Partition,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load pages %s/%s", key.Scope, key.Partition)
	}
	defer rows.Close() //nolint:errcheck

	var pages []model.StoredPage
	for rows.Next() {
		var p model.StoredPage
		var fetched string
		if err := rows.Scan(&p.Seq, &p.CursorIn, &p.CursorOut, &p.Rows, &p.Body, &fetched); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan page")
		}
		if p.FetchedAt, err = parseTime(fetched); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, eris.Wrap(rows.Err(), "sqlite: load pages iterate")
}

// SavePage stores a page, replacing any page with the same sequence.
func (s *SQLiteStore) SavePage(ctx context.Context, key model.CheckpointKey, page model.StoredPage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO raw_pages (scope, partition, seq, cursor_in, cursor_out, rows, body, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Scope, key.Partition, page.Seq, page.CursorIn, page.CursorOut, page.Rows, page.Body, formatTime(page.FetchedAt),
	)
	return eris.Wrapf(err, "sqlite: save page %s/%s#%d", key.Scope, key.Partition, page.Seq)
}

// ClearPages drops every stored page of a scope and returns how many
// were removed.
func (s *SQLiteStore) ClearPages(ctx context.Context, scope string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_pages WHERE scope = ?`, scope)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear pages %s", scope)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}
