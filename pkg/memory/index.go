package memory

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Match is one scored index hit.
type Match struct {
	ID    string
	Score float64
}

// VectorIndex keeps parallel id/vector arrays. Searches snapshot the arrays
// under the lock and compute cosine similarity outside it; adds append and
// persist the whole index through the atomic replace protocol. Rows are
// append-only, so snapshots stay valid while writers extend the arrays.
type VectorIndex struct {
	mu   sync.Mutex
	path string
	dims int
	ids  []string
	vecs [][]float32
}

// NewVectorIndex returns an unloaded index persisting at path.
func NewVectorIndex(path string, dims int) *VectorIndex {
	return &VectorIndex{path: path, dims: dims}
}

// Load reads the persisted arrays. A missing file leaves the index empty.
func (ix *VectorIndex) Load() error {
	ids, vecs, err := readIndexFile(ix.path)
	if err != nil {
		return err
	}
	for i, v := range vecs {
		if len(v) != ix.dims {
			return fmt.Errorf("memory: persisted vector %d has %d dims, index wants %d", i, len(v), ix.dims)
		}
	}
	ix.mu.Lock()
	ix.ids, ix.vecs = ids, vecs
	ix.mu.Unlock()
	return nil
}

// Add appends one row and persists the index.
func (ix *VectorIndex) Add(id string, vec []float32) error {
	if len(vec) != ix.dims {
		return fmt.Errorf("memory: vector has %d dims, index wants %d", len(vec), ix.dims)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = append(ix.ids, id)
	ix.vecs = append(ix.vecs, vec)
	return writeIndexFile(ix.path, ix.ids, ix.vecs, ix.dims)
}

// Reset replaces the whole index contents and persists them. The store uses
// it to rebuild after a lost or mismatched npz.
func (ix *VectorIndex) Reset(ids []string, vecs [][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = append([]string(nil), ids...)
	ix.vecs = append([][]float32(nil), vecs...)
	return writeIndexFile(ix.path, ix.ids, ix.vecs, ix.dims)
}

// Len returns the number of indexed rows.
func (ix *VectorIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.ids)
}

// Search returns the top-k rows by cosine similarity, ties broken by id so
// results are stable. k <= 0 returns nil.
func (ix *VectorIndex) Search(query []float32, k int) []Match {
	if k <= 0 {
		return nil
	}
	ix.mu.Lock()
	ids := ix.ids[:len(ix.ids):len(ix.ids)]
	vecs := ix.vecs[:len(ix.vecs):len(ix.vecs)]
	ix.mu.Unlock()

	matches := make([]Match, 0, len(ids))
	for i, vec := range vecs {
		matches = append(matches, Match{ID: ids[i], Score: cosine(query, vec)})
	}
	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].ID < matches[b].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
