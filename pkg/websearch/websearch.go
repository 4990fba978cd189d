// Package websearch calls the configured external search endpoint and
// normalizes whatever payload shape it answers with. Upstream tools disagree
// about where the result list lives (results, items, data, hits, organic,
// organic_results, sometimes nested one level down) and what the item fields
// are called; everything is coerced to the one shape the evidence collector
// consumes. Failures degrade to an error the collector logs and drops; they
// never reach a client.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

// Result is one normalized search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client is the search capability the evidence collector depends on.
type Client interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

const defaultTimeout = 10 * time.Second

// HTTPClient posts queries to a search endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	hc       *http.Client
}

// New returns a client for the endpoint. A non-positive timeout uses the
// default.
func New(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		hc:       &http.Client{Timeout: timeout},
	}
}

// NewFromConfig returns a client, or nil when no endpoint is configured.
// Callers treat nil as "web evidence disabled".
func NewFromConfig(cfg *config.Config) *HTTPClient {
	if cfg.WebSearchURL == "" {
		return nil
	}
	return New(cfg.WebSearchURL, cfg.WebSearchKey, 0)
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Search posts the query and normalizes the response.
func (c *HTTPClient) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("websearch: marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("websearch: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch: endpoint returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("websearch: read response: %w", err)
	}
	results, ok := NormalizeJSON(raw)
	if !ok {
		return nil, fmt.Errorf("websearch: unrecognized payload shape")
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// listKeys are the places upstream tools park their result arrays.
var listKeys = []string{"results", "items", "data", "hits", "organic", "organic_results"}

// NormalizeJSON decodes raw and normalizes it. ok is false when no result
// list could be located.
func NormalizeJSON(raw []byte) ([]Result, bool) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return Normalize(payload)
}

// Normalize locates the result list at the top level or one level deeper and
// coerces each entry. An empty located list is ok with zero results.
func Normalize(payload any) ([]Result, bool) {
	switch v := payload.(type) {
	case []any:
		return coerceList(v), true
	case map[string]any:
		if list, ok := findList(v); ok {
			return coerceList(list), true
		}
		// Second level: {"data": {"results": [...]}} and friends.
		for _, key := range listKeys {
			if inner, ok := v[key].(map[string]any); ok {
				if list, ok := findList(inner); ok {
					return coerceList(list), true
				}
			}
		}
	}
	return nil, false
}

func findList(m map[string]any) ([]any, bool) {
	for _, key := range listKeys {
		if list, ok := m[key].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

func coerceList(list []any) []Result {
	results := make([]Result, 0, len(list))
	for _, el := range list {
		item, ok := el.(map[string]any)
		if !ok {
			continue
		}
		r := Result{
			Title:   firstString(item, "title", "name"),
			URL:     firstString(item, "url", "link", "href"),
			Snippet: firstString(item, "snippet", "description", "text", "content"),
		}
		if r.Title == "" && r.Snippet == "" {
			continue
		}
		results = append(results, r)
	}
	return results
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
