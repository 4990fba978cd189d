package evidence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItem_UnmarshalLegacyWeight(t *testing.T) {
	var it Item
	require.NoError(t, json.Unmarshal([]byte(`{"source":"memory","title":"t","snippet":"s","weight":0.8}`), &it))
	assert.InDelta(t, 0.8, it.Confidence, 1e-9)

	// Invariant: explicit confidence wins over legacy weight.
	require.NoError(t, json.Unmarshal([]byte(`{"source":"memory","confidence":0.3,"weight":0.8}`), &it))
	assert.InDelta(t, 0.3, it.Confidence, 1e-9)
}

func TestItem_NormalizedDefaults(t *testing.T) {
	got := Item{Kind: "caution", Snippet: "x", Confidence: 1.7}.Normalized()
	assert.Equal(t, "local", got.Source)
	assert.Equal(t, "local:caution", got.Title)
	require.NotNil(t, got.URI)
	assert.Equal(t, "internal:evidence:caution", *got.URI)
	assert.Equal(t, 1.0, got.Confidence)

	noKind := Item{Snippet: "y", Confidence: -2}.Normalized()
	assert.Equal(t, "local:general", noKind.Title)
	assert.Equal(t, 0.0, noKind.Confidence)
}

// Invariant: fields already present survive normalization untouched.
func TestItem_NormalizedKeepsExisting(t *testing.T) {
	uri := "https://example.jp/doc"
	got := Item{Source: "web", URI: &uri, Title: "記事", Snippet: "s", Confidence: 0.4}.Normalized()
	assert.Equal(t, "web", got.Source)
	assert.Equal(t, "記事", got.Title)
	assert.Equal(t, uri, *got.URI)
}

func TestDedupe_KeepsFirstOccurrence(t *testing.T) {
	u1 := "memory:1"
	items := []Item{
		{Source: "memory", URI: &u1, Title: "a", Snippet: "s", Confidence: 0.9},
		{Source: "web", Title: "a", Snippet: "s"},
		{Source: "memory", URI: &u1, Title: "a", Snippet: "s", Confidence: 0.1},
	}
	got := Dedupe(items)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.9, got[0].Confidence, 1e-9, "first occurrence wins")
	assert.Equal(t, "web", got[1].Source)
}

func TestDedupe_DistinguishesNilURI(t *testing.T) {
	u := ""
	items := []Item{
		{Source: "local", Title: "t", Snippet: "s"},
		{Source: "local", URI: &u, Title: "t", Snippet: "s"},
	}
	assert.Len(t, Dedupe(items), 1, "nil and empty uri share identity")
}
