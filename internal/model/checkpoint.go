package model

import "time"

// CheckpointKey addresses the stored pages of one source partition.
// Scope pins the vertical, mode, and resolved request window.
type CheckpointKey struct {
	Scope     string `json:"scope"`
	Partition string `json:"partition"`
}

// StoredPage is a fetched page persisted for resume. Body holds the
// compressed raw response exactly as received.
type StoredPage struct {
	Seq       int       `json:"seq"`
	CursorIn  string    `json:"cursor_in"`
	CursorOut string    `json:"cursor_out"`
	Rows      int       `json:"rows"`
	Body      []byte    `json:"-"`
	FetchedAt time.Time `json:"fetched_at"`
}
