// Package memory is the vector substrate behind evidence recall and the
// /v1/memory endpoints. Three JSONL namespaces (episodic, semantic, skills)
// each carry a parallel-array cosine index persisted as <ns>.index.npz.
// The substrate is deliberately boring: records are immutable, references
// are by id, and every persisted artifact is written atomically.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
)

// Namespaces in fixed order. Put defaults to episodic.
const (
	NamespaceEpisodic = "episodic"
	NamespaceSemantic = "semantic"
	NamespaceSkills   = "skills"
)

var namespaces = []string{NamespaceEpisodic, NamespaceSemantic, NamespaceSkills}

// Record is one stored memory item.
type Record struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Text      string         `json:"text"`
	Tags      []string       `json:"tags,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Hit is one search result.
type Hit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// Store is a single namespace: one JSONL file plus its vector index.
type Store struct {
	mu        sync.Mutex
	namespace string
	path      string
	index     *VectorIndex
	embed     Embedder
	records   map[string]Record
	order     []string
	clock     func() time.Time
	logger    *slog.Logger
}

func openStore(dir, namespace string, embed Embedder, logger *slog.Logger) (*Store, error) {
	s := &Store{
		namespace: namespace,
		path:      filepath.Join(dir, namespace+".jsonl"),
		index:     NewVectorIndex(filepath.Join(dir, namespace+".index.npz"), embed.Dims()),
		embed:     embed,
		records:   make(map[string]Record),
		clock:     time.Now,
		logger:    logger,
	}
	if err := s.loadRecords(); err != nil {
		return nil, err
	}
	if err := s.index.Load(); err != nil {
		s.logger.Warn("memory: index unreadable, rebuilding", slog.String("namespace", namespace), slog.String("error", err.Error()))
		s.index = NewVectorIndex(s.index.path, embed.Dims())
	}
	if s.index.Len() != len(s.order) {
		if err := s.rebuildIndex(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// loadRecords reads the JSONL file, skipping lines that no longer parse so a
// torn tail line cannot take the namespace down.
func (s *Store) loadRecords() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memory: open %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			skipped++
			continue
		}
		if _, dup := s.records[rec.ID]; dup {
			continue
		}
		s.records[rec.ID] = rec
		s.order = append(s.order, rec.ID)
	}
	if skipped > 0 {
		s.logger.Warn("memory: skipped unreadable records", slog.String("namespace", s.namespace), slog.Int("count", skipped))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("memory: scan %s: %w", s.path, err)
	}
	return nil
}

// rebuildIndex re-embeds every record. Runs when the npz is missing or out
// of step with the JSONL, which is the recovery path after a crash between
// the two writes.
func (s *Store) rebuildIndex() error {
	ids := make([]string, 0, len(s.order))
	vecs := make([][]float32, 0, len(s.order))
	for _, id := range s.order {
		vec, err := s.embed.Embed(context.Background(), s.records[id].Text)
		if err != nil {
			return fmt.Errorf("memory: rebuild %s: %w", s.namespace, err)
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	return s.index.Reset(ids, vecs)
}

// Put stores one record, filling ID and CreatedAt when absent, and indexes
// its embedding. The JSONL append lands before the index write; a crash in
// between is healed by the rebuild on next open.
func (s *Store) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.Text == "" {
		return Record{}, fmt.Errorf("memory: record text is empty")
	}
	vec, err := s.embed.Embed(ctx, rec.Text)
	if err != nil {
		return Record{}, fmt.Errorf("memory: embed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Record{}, fmt.Errorf("memory: mint id: %w", err)
		}
		rec.ID = id.String()
	}
	if _, dup := s.records[rec.ID]; dup {
		return Record{}, fmt.Errorf("memory: record %s already stored", rec.ID)
	}
	rec.Namespace = s.namespace
	if rec.CreatedAt == "" {
		rec.CreatedAt = s.clock().UTC().Format(time.RFC3339)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("memory: marshal record: %w", err)
	}
	if err := atomicfile.AppendSync(s.path, append(line, '\n'), 0o644); err != nil {
		return Record{}, fmt.Errorf("memory: append %s: %w", s.path, err)
	}
	if err := s.index.Add(rec.ID, vec); err != nil {
		return Record{}, err
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec, nil
}

// Get returns a record by id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Search embeds the query and returns the top-k records by cosine score.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	matches := s.index.Search(vec, k)

	s.mu.Lock()
	defer s.mu.Unlock()
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		rec, ok := s.records[m.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: m.Score})
	}
	return hits, nil
}

// Manager routes namespace operations and merges cross-namespace searches.
type Manager struct {
	stores map[string]*Store
}

// Open loads all three namespaces under dir, creating it when missing.
func Open(dir string, embed Embedder, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create %s: %w", dir, err)
	}
	m := &Manager{stores: make(map[string]*Store, len(namespaces))}
	for _, ns := range namespaces {
		st, err := openStore(dir, ns, embed, logger)
		if err != nil {
			return nil, err
		}
		m.stores[ns] = st
	}
	return m, nil
}

// Store returns the namespace store, defaulting to episodic for "".
func (m *Manager) Store(namespace string) (*Store, error) {
	if namespace == "" {
		namespace = NamespaceEpisodic
	}
	st, ok := m.stores[namespace]
	if !ok {
		return nil, fmt.Errorf("memory: unknown namespace %q", namespace)
	}
	return st, nil
}

// Put stores a record in the namespace (episodic when empty).
func (m *Manager) Put(ctx context.Context, namespace string, rec Record) (Record, error) {
	st, err := m.Store(namespace)
	if err != nil {
		return Record{}, err
	}
	return st.Put(ctx, rec)
}

// Get looks a record up across all namespaces.
func (m *Manager) Get(id string) (Record, bool) {
	for _, ns := range namespaces {
		if rec, ok := m.stores[ns].Get(id); ok {
			return rec, true
		}
	}
	return Record{}, false
}

// Search merges top-k hits across every namespace, ordered by score with id
// tie-breaks, capped at k.
func (m *Manager) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	var all []Hit
	for _, ns := range namespaces {
		hits, err := m.stores[ns].Search(ctx, query, k)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].Score != all[b].Score {
			return all[a].Score > all[b].Score
		}
		return all[a].Record.ID < all[b].Record.ID
	})
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// Counts reports per-namespace record counts for memory_meta.
func (m *Manager) Counts() map[string]int {
	counts := make(map[string]int, len(namespaces))
	for _, ns := range namespaces {
		counts[ns] = m.stores[ns].Count()
	}
	return counts
}
