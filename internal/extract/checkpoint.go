package extract

import (
	"context"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/model"
)

// Checkpointer persists fetched pages so a restarted run can replay them
// instead of re-downloading.
type Checkpointer interface {
	LoadPages(ctx context.Context, key model.CheckpointKey) ([]model.StoredPage, error)
	SavePage(ctx context.Context, key model.CheckpointKey, page model.StoredPage) error
}

// compressPage encodes a raw response for storage.
func compressPage(body []byte) []byte {
	return snappy.Encode(nil, body)
}

// decompressPage restores a stored response.
func decompressPage(stored []byte) ([]byte, error) {
	body, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, eris.Wrap(err, "extract: decompress stored page")
	}
	return body, nil
}

// MemoryCheckpoints is an in-process Checkpointer.
type MemoryCheckpoints struct {
	mu    sync.Mutex
	pages map[model.CheckpointKey][]model.StoredPage
}

// NewMemoryCheckpoints creates an empty in-memory checkpoint set.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{pages: make(map[model.CheckpointKey][]model.StoredPage)}
}

// LoadPages returns stored pages in sequence order.
func (m *MemoryCheckpoints) LoadPages(_ context.Context, key model.CheckpointKey) ([]model.StoredPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.StoredPage(nil), m.pages[key]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SavePage stores a page, replacing any page with the same sequence.
func (m *MemoryCheckpoints) SavePage(_ context.Context, key model.CheckpointKey, page model.StoredPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := m.pages[key]
	for i := range pages {
		if pages[i].Seq == page.Seq {
			pages[i] = page
			return nil
		}
	}
	m.pages[key] = append(pages, page)
	return nil
}
