package evidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Kind)
	}
	return out
}

func TestLocalSource_QuietForBenignRequests(t *testing.T) {
	items, err := NewLocalSource().Collect(context.Background(), Request{
		Query:  "rename the metrics dashboard",
		Stakes: 0.2,
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLocalSource_HighStakesCaution(t *testing.T) {
	items, err := NewLocalSource().Collect(context.Background(), Request{Query: "migrate the billing database", Stakes: 0.9})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "caution", items[0].Kind)
	assert.Contains(t, items[0].Snippet, "0.90")
}

func TestLocalSource_HealthGoalsSelfCare(t *testing.T) {
	items, err := NewLocalSource().Collect(context.Background(), Request{
		Query:   "organize next quarter",
		Context: map[string]any{"goals": []any{"リリースを守る", "睡眠の質を上げる"}},
	})
	require.NoError(t, err)
	assert.Contains(t, kinds(items), "self_care")
}

func TestLocalSource_ConstraintsListed(t *testing.T) {
	items, err := NewLocalSource().Collect(context.Background(), Request{
		Query:   "arrange the launch",
		Context: map[string]any{"constraints": map[string]any{"budget": 5000, "deadline": "2026-09-01"}},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "constraints", items[0].Kind)
	assert.Contains(t, items[0].Snippet, "budget=5000")
	assert.Contains(t, items[0].Snippet, "deadline=2026-09-01")
}

func TestLocalSource_WeatherIntent(t *testing.T) {
	items, err := NewLocalSource().Collect(context.Background(), Request{Query: "週末の天気に合わせて運動会の段取りを決める"})
	require.NoError(t, err)
	assert.Contains(t, kinds(items), "weather")
}

// Invariant: inventory kickoff queries always produce both an inventory and
// a known_issues item.
func TestLocalSource_StepOneInventoryGuarantee(t *testing.T) {
	for _, query := range []string{
		"step1 inventory of the current stack",
		"Step 1: inventory the failure modes",
		"ステップ1のinventoryを作る",
		"資産の棚卸しから始める",
	} {
		items, err := NewLocalSource().Collect(context.Background(), Request{Query: query})
		require.NoError(t, err)
		ks := kinds(items)
		assert.Contains(t, ks, "inventory", query)
		assert.Contains(t, ks, "known_issues", query)
	}
}

func TestContextStrings_Shapes(t *testing.T) {
	assert.Nil(t, contextStrings(nil))
	assert.Equal(t, []string{"x"}, contextStrings("x"))
	assert.Equal(t, []string{"a", "b"}, contextStrings([]string{"a", "b"}))
	assert.Equal(t, []string{"1", "two"}, contextStrings([]any{1, "two"}))
	assert.Equal(t, []string{"a=1", "b=2"}, contextStrings(map[string]any{"b": 2, "a": 1}))
}
