package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		query string
		want  Intent
	}{
		{"今日の天気を教えて", Weather},
		{"weather forecast for the weekend", Weather},
		{"健康のために運動を始めたい", Health},
		{"improve my sleep schedule", Health},
		{"Goで学習を進める計画", Learn},
		{"plan the team offsite", Plan},
		{"what time is it", SimpleQA},
		{"今何時ですか", SimpleQA},
		{"what is AGI?", KnowledgeQA},
		{"AGIとは", KnowledgeQA},
		{"なぜ空は青いのか", KnowledgeQA},
		{"deploy the new service", General},
		{"", General},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.query), tc.query)
	}
}

// Invariant: full-width variants classify like their ASCII forms.
func TestClassify_WidthFold(t *testing.T) {
	assert.Equal(t, Weather, Classify("Ｗｅａｔｈｅｒ　ｆｏｒｅｃａｓｔ"))
	assert.Equal(t, KnowledgeQA, Classify("これは何ですか？"))
}

// Invariant: trivial question patterns beat topic vocabulary and the
// question-mark fallback.
func TestClassify_SimpleQAWins(t *testing.T) {
	assert.Equal(t, SimpleQA, Classify("what time is it in the health club?"))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches(Health, "朝の運動メニュー"))
	assert.True(t, Matches(Weather, "雨が降りそう"))
	assert.False(t, Matches(Weather, "quarterly budget review"))
	assert.False(t, Matches(Intent("unknown"), "anything"))
}

func TestTopical(t *testing.T) {
	assert.True(t, Weather.Topical())
	assert.True(t, Plan.Topical())
	assert.False(t, General.Topical())
	assert.False(t, KnowledgeQA.Topical())
	assert.False(t, SimpleQA.Topical())
}
