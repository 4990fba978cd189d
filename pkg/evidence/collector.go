package evidence

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ContextKeyInjected marks pre-aggregated evidence injected by a higher
// layer; its presence suppresses the memory search.
const ContextKeyInjected = "_pipeline_evidence"

// Request carries the slice of the decision request the sources key on.
type Request struct {
	Query    string
	Context  map[string]any
	Stakes   float64
	FastMode bool
	Seed     []Item
}

// Source produces evidence for a request. Returning an error drops the
// source's contribution for this request; it never fails the decision.
type Source interface {
	Name() string
	Collect(ctx context.Context, req Request) ([]Item, error)
}

// Stats feeds the response metrics contract. Raw hit counts come straight
// from the sources; evidence counts are measured after dedup.
type Stats struct {
	MemHits             int  `json:"mem_hits"`
	MemoryEvidenceCount int  `json:"memory_evidence_count"`
	WebHits             int  `json:"web_hits"`
	WebEvidenceCount    int  `json:"web_evidence_count"`
	FastMode            bool `json:"fast_mode"`
}

// Collector runs the sources in registration order.
type Collector struct {
	sources []Source
	logger  *slog.Logger
}

// NewCollector wires the sources. Order matters: memory, then web, then
// local heuristics is the contract the pipeline relies on.
func NewCollector(logger *slog.Logger, sources ...Source) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{sources: sources, logger: logger}
}

// Collect gathers, normalizes, and dedupes evidence. Caller-seeded items
// rank first so user-supplied grounding survives dedup against derived
// items. Injected pipeline evidence replaces the memory search entirely.
func (c *Collector) Collect(ctx context.Context, req Request) ([]Item, Stats) {
	stats := Stats{FastMode: req.FastMode}

	var merged []Item
	for _, it := range req.Seed {
		merged = append(merged, it.Normalized())
	}
	injected, hasInjected := injectedItems(req.Context)
	for _, it := range injected {
		merged = append(merged, it.Normalized())
	}

	for _, src := range c.sources {
		if hasInjected && src.Name() == "memory" {
			continue
		}
		items, err := src.Collect(ctx, req)
		if err != nil {
			c.logger.Warn("evidence: source degraded",
				slog.String("source", src.Name()),
				slog.String("error", err.Error()))
			continue
		}
		switch src.Name() {
		case "memory":
			stats.MemHits = len(items)
		case "web":
			stats.WebHits = len(items)
		}
		for _, it := range items {
			merged = append(merged, it.Normalized())
		}
	}

	deduped := Dedupe(merged)
	for _, it := range deduped {
		switch it.Source {
		case "memory":
			stats.MemoryEvidenceCount++
		case "web":
			stats.WebEvidenceCount++
		}
	}
	return deduped, stats
}

// injectedItems extracts pre-aggregated evidence from the request context.
// The value arrives either as typed items or as decoded JSON maps.
func injectedItems(ctxMap map[string]any) ([]Item, bool) {
	raw, ok := ctxMap[ContextKeyInjected]
	if !ok || raw == nil {
		return nil, false
	}
	switch v := raw.(type) {
	case []Item:
		return v, true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, true
		}
		var items []Item
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, true
		}
		return items, true
	}
}
