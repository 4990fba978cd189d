package evidence

import (
	"context"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/intent"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/websearch"
)

const (
	webTopK       = 5
	webConfidence = 0.6
)

// defaultWebTopics trigger a search regardless of intent classification.
var defaultWebTopics = []string{"agi", "artificial general intelligence", "人工知能"}

// WebSource searches the web for knowledge questions and watched topics.
// It stays silent for everything else: web evidence is optional I/O, and
// fast mode suppresses it entirely.
type WebSource struct {
	client websearch.Client
	topics []string
	topK   int
}

// NewWebSource wraps a search client. A nil client disables the source.
func NewWebSource(client websearch.Client) *WebSource {
	return &WebSource{client: client, topics: defaultWebTopics, topK: webTopK}
}

func (w *WebSource) Name() string { return "web" }

func (w *WebSource) Collect(ctx context.Context, req Request) ([]Item, error) {
	if w.client == nil || req.FastMode || !w.triggered(req.Query) {
		return nil, nil
	}
	results, err := w.client.Search(ctx, req.Query, w.topK)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(results))
	for _, r := range results {
		items = append(items, Item{
			Source:     "web",
			URI:        uriPtr(r.URL),
			Title:      r.Title,
			Snippet:    r.Snippet,
			Confidence: webConfidence,
			Kind:       "web_search",
		})
	}
	return items, nil
}

func (w *WebSource) triggered(query string) bool {
	norm := sanitize.Normalize(query)
	for _, topic := range w.topics {
		t := sanitize.Normalize(topic)
		// Short ASCII topics match whole words only, so "staging" does not
		// trip "agi". CJK topics have no word boundaries and use contains.
		if isShortASCII(t) {
			if containsWord(norm, t) {
				return true
			}
			continue
		}
		if strings.Contains(norm, t) {
			return true
		}
	}
	return intent.Classify(query) == intent.KnowledgeQA
}

func isShortASCII(s string) bool {
	if len(s) > 4 {
		return false
	}
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

func containsWord(text, word string) bool {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, f := range fields {
		if f == word {
			return true
		}
	}
	return false
}
