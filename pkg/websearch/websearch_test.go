package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

func TestNormalize_ShapeVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    int
	}{
		{"results", `{"results":[{"title":"a","url":"u","snippet":"s"}]}`, 1},
		{"items", `{"items":[{"name":"a","link":"u","description":"s"}]}`, 1},
		{"hits", `{"hits":[{"title":"a","href":"u","text":"s"}]}`, 1},
		{"organic", `{"organic":[{"title":"a","url":"u","snippet":"s"}]}`, 1},
		{"organic_results", `{"organic_results":[{"title":"a","url":"u","content":"s"}]}`, 1},
		{"nested data", `{"data":{"results":[{"title":"a","url":"u","snippet":"s"},{"title":"b"}]}}`, 2},
		{"bare array", `[{"title":"a","url":"u","snippet":"s"}]`, 1},
		{"empty list", `{"results":[]}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeJSON([]byte(tc.payload))
			require.True(t, ok)
			assert.Len(t, got, tc.want)
			if tc.want > 0 {
				assert.Equal(t, "a", got[0].Title)
			}
		})
	}
}

func TestNormalize_RejectsUnknownShapes(t *testing.T) {
	for _, payload := range []string{
		`{"answer":"42"}`,
		`"just a string"`,
		`not json at all`,
	} {
		_, ok := NormalizeJSON([]byte(payload))
		assert.False(t, ok, payload)
	}
}

// Invariant: entries without any usable text are dropped, not emitted empty.
func TestNormalize_DropsEmptyEntries(t *testing.T) {
	got, ok := NormalizeJSON([]byte(`{"results":[{"url":"u"},{"title":"keep"}]}`))
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].Title)
}

func TestHTTPClient_Search(t *testing.T) {
	var gotAuth string
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"items":[{"name":"VERITAS","link":"https://example.jp","description":"decision gateway"},{"name":"extra"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "ws-key", 0)
	results, err := c.Search(context.Background(), "decision gateway", 1)
	require.NoError(t, err)
	require.Len(t, results, 1, "limit truncates after normalization")
	assert.Equal(t, "VERITAS", results[0].Title)
	assert.Equal(t, "https://example.jp", results[0].URL)
	assert.Equal(t, "Bearer ws-key", gotAuth)
	assert.Equal(t, "decision gateway", gotReq.Query)
	assert.Equal(t, 1, gotReq.Limit)
}

func TestHTTPClient_SearchErrorsAreTagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0)
	_, err := c.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websearch:")
}

func TestNewFromConfig_NilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, NewFromConfig(&config.Config{}))
	assert.NotNil(t, NewFromConfig(&config.Config{WebSearchURL: "https://search.example"}))
}
