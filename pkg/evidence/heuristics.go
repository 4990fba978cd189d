package evidence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/intent"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
)

// LocalSource emits deterministic heuristic evidence from the request alone:
// no I/O, no failure modes. It is the floor under every decision, so even a
// fully offline gateway grounds its choices on something inspectable.
type LocalSource struct{}

func NewLocalSource() LocalSource { return LocalSource{} }

func (LocalSource) Name() string { return "local" }

func (LocalSource) Collect(_ context.Context, req Request) ([]Item, error) {
	var items []Item

	if req.Stakes >= 0.7 {
		items = append(items, Item{
			Source:     "local",
			Kind:       "caution",
			Snippet:    fmt.Sprintf("stakes %.2f: treat this as a high-stakes decision; prefer reversible steps with explicit checkpoints", req.Stakes),
			Confidence: 0.75,
		})
	}

	if goalsMentionHealth(req.Context) {
		items = append(items, Item{
			Source:     "local",
			Kind:       "self_care",
			Snippet:    "goals include health-related work; schedule recovery time and do not trade sleep for throughput",
			Confidence: 0.6,
		})
	}

	if constraints := contextStrings(req.Context["constraints"]); len(constraints) > 0 {
		items = append(items, Item{
			Source:     "local",
			Kind:       "constraints",
			Snippet:    "declared constraints: " + strings.Join(constraints, "; "),
			Confidence: 0.7,
		})
	}

	if intent.Classify(req.Query) == intent.Weather {
		items = append(items, Item{
			Source:     "local",
			Kind:       "weather",
			Snippet:    "weather-dependent decision; check the short-term forecast before committing outdoor steps",
			Confidence: 0.65,
		})
	}

	if isInventoryQuery(req.Query) {
		items = append(items,
			Item{
				Source:     "local",
				Kind:       "inventory",
				Snippet:    "step1 inventory: enumerate current assets, in-flight work, and owners before changing anything",
				Confidence: 0.7,
			},
			Item{
				Source:     "local",
				Kind:       "known_issues",
				Snippet:    "step1 inventory: list the known issues and risks carried into this decision",
				Confidence: 0.7,
			},
		)
	}

	return items, nil
}

func goalsMentionHealth(ctxMap map[string]any) bool {
	for _, goal := range contextStrings(ctxMap["goals"]) {
		if intent.Matches(intent.Health, goal) {
			return true
		}
	}
	return false
}

// isInventoryQuery recognizes "step1 inventory" style kickoff queries in
// either language.
func isInventoryQuery(query string) bool {
	norm := sanitize.Normalize(query)
	if strings.Contains(norm, "棚卸") {
		return true
	}
	step := strings.Contains(norm, "step1") || strings.Contains(norm, "step 1") || strings.Contains(norm, "ステップ1")
	return step && strings.Contains(norm, "inventory")
}

// contextStrings flattens the loosely typed context values the heuristics
// read: a scalar, a list, or a map all become a deterministic string list.
func contextStrings(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			out = append(out, fmt.Sprintf("%v", el))
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, fmt.Sprintf("%s=%v", k, x[k]))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", x)}
	}
}
