package replay

import (
	"fmt"
	"sync"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/canonicaljson"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// MemorySink satisfies the pipeline's audit-log surface with an in-memory
// buffer. Replay wiring hands it to the re-executed pipeline so replayed
// decisions never extend the production chain.
type MemorySink struct {
	mu      sync.Mutex
	n       int
	entries []*trustlog.Entry
}

// Append records one entry and returns it under a synthetic decision id.
func (s *MemorySink) Append(kind string, payload map[string]any) (*trustlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		copied[k] = v
	}
	copied["kind"] = kind
	hash, err := canonicaljson.Hash(copied)
	if err != nil {
		return nil, err
	}
	s.n++
	entry := &trustlog.Entry{
		DecisionID:  fmt.Sprintf("replay-%04d", s.n),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Payload:     copied,
		PayloadHash: hash,
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

// Entries returns the recorded entries in append order.
func (s *MemorySink) Entries() []*trustlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*trustlog.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// GateSink adapts the sink to the gate's narrower audit surface.
func (s *MemorySink) GateSink() fuji.AuditSink {
	return gateSink{sink: s}
}

type gateSink struct {
	sink *MemorySink
}

func (g gateSink) Append(kind string, payload map[string]any) (string, error) {
	entry, err := g.sink.Append(kind, payload)
	if err != nil {
		return "", err
	}
	return entry.DecisionID, nil
}
