package evidence

import (
	"context"
	"fmt"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/memory"
)

// Searcher is the slice of the memory substrate the collector needs.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]memory.Hit, error)
}

const memoryTopK = 5

// MemorySource turns top-k cosine hits into evidence.
type MemorySource struct {
	searcher Searcher
	topK     int
}

// NewMemorySource wraps a memory searcher.
func NewMemorySource(s Searcher) *MemorySource {
	return &MemorySource{searcher: s, topK: memoryTopK}
}

func (m *MemorySource) Name() string { return "memory" }

func (m *MemorySource) Collect(ctx context.Context, req Request) ([]Item, error) {
	hits, err := m.searcher.Search(ctx, req.Query, m.topK)
	if err != nil {
		return nil, fmt.Errorf("evidence: memory search: %w", err)
	}
	items := make([]Item, 0, len(hits))
	for _, h := range hits {
		kind := h.Record.Kind
		if kind == "" {
			kind = h.Record.Namespace
		}
		items = append(items, Item{
			Source:     "memory",
			URI:        uriPtr("memory:" + h.Record.ID),
			Title:      truncateRunes(h.Record.Text, 60),
			Snippet:    h.Record.Text,
			Confidence: clamp01(h.Score),
			Kind:       kind,
			Tags:       h.Record.Tags,
		})
	}
	return items, nil
}
