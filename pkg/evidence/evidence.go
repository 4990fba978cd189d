// Package evidence collects and normalizes the material a decision is
// grounded on. Three sources run in order (memory, web, local heuristics);
// every item is coerced to one shape and deduplicated before the pipeline
// sees it. Source failures degrade to fewer items, never to an error the
// orchestrator has to handle.
package evidence

import (
	"encoding/json"
	"strings"
)

// Item is one piece of evidence.
type Item struct {
	Source     string   `json:"source"`
	URI        *string  `json:"uri"`
	Title      string   `json:"title"`
	Snippet    string   `json:"snippet"`
	Confidence float64  `json:"confidence"`
	Kind       string   `json:"kind,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// UnmarshalJSON accepts legacy payloads where confidence was called weight.
// An explicit confidence wins over weight when both appear.
func (it *Item) UnmarshalJSON(data []byte) error {
	var aux struct {
		Source     string   `json:"source"`
		URI        *string  `json:"uri"`
		Title      string   `json:"title"`
		Snippet    string   `json:"snippet"`
		Confidence *float64 `json:"confidence"`
		Weight     *float64 `json:"weight"`
		Kind       string   `json:"kind"`
		Tags       []string `json:"tags"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	it.Source = aux.Source
	it.URI = aux.URI
	it.Title = aux.Title
	it.Snippet = aux.Snippet
	it.Kind = aux.Kind
	it.Tags = aux.Tags
	switch {
	case aux.Confidence != nil:
		it.Confidence = *aux.Confidence
	case aux.Weight != nil:
		it.Confidence = *aux.Weight
	}
	return nil
}

// Normalized returns the item coerced to the canonical shape: confidence
// clamped to [0,1], source defaulted to local, and the title/uri defaults
// keyed by kind for items minted without them.
func (it Item) Normalized() Item {
	out := it
	out.Confidence = clamp01(out.Confidence)
	if out.Source == "" {
		out.Source = "local"
	}
	kind := out.Kind
	if kind == "" {
		kind = "general"
	}
	if out.Title == "" {
		out.Title = "local:" + kind
	}
	if out.URI == nil || *out.URI == "" {
		out.URI = uriPtr("internal:evidence:" + kind)
	}
	return out
}

// Key is the deduplication identity: (source, uri, title, snippet).
func (it Item) Key() string {
	uri := ""
	if it.URI != nil {
		uri = *it.URI
	}
	return strings.Join([]string{it.Source, uri, it.Title, it.Snippet}, "\x1f")
}

// Dedupe drops repeated items, keeping the first occurrence in order.
func Dedupe(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		k := it.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

func uriPtr(s string) *string { return &s }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncateRunes bounds s to max runes, appending an ellipsis when cut.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
