// Package intent classifies a decision query into the coarse intents the
// pipeline keys on: the evidence collector's web trigger, the value scorer's
// alternative filter, and the planner's short circuit for trivial questions.
// Classification is keyword-based and deterministic; queries are normalized
// (NFKC, width fold, lower case) before matching so full-width Japanese
// variants behave like their ASCII forms.
package intent

import (
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
)

// Intent is the coarse topic class of a query.
type Intent string

const (
	General     Intent = "general"
	Weather     Intent = "weather"
	Health      Intent = "health"
	Learn       Intent = "learn"
	Plan        Intent = "plan"
	KnowledgeQA Intent = "knowledge_qa"
	SimpleQA    Intent = "simple_qa"
)

// simpleQA patterns short-circuit the planner; they are whole phrases, not
// vocabulary, so they are matched before any topic table.
var simpleQAPatterns = []string{
	"what time is it",
	"what day is it",
	"what is today's date",
	"今何時",
	"何曜日",
	"今日の日付",
}

var vocabulary = map[Intent][]string{
	Weather: {
		"weather", "forecast", "umbrella", "rain",
		"天気", "気温", "降水", "傘", "晴れ",
	},
	Health: {
		"health", "exercise", "sleep", "diet", "wellness", "workout",
		"健康", "運動", "睡眠", "体調", "食事", "ストレッチ",
	},
	Learn: {
		"learn", "study", "practice", "tutorial", "course",
		"学習", "勉強", "練習", "教材", "講座",
	},
	Plan: {
		"plan", "schedule", "roadmap", "itinerary",
		"計画", "予定", "段取り", "スケジュール",
	},
}

// topicOrder fixes match precedence when a query mentions several topics.
var topicOrder = []Intent{Weather, Health, Learn, Plan}

var knowledgeMarkers = []string{
	"what is", "who is", "why ", "how does", "how do",
	"とは", "教えて", "なぜ", "どうして",
}

// Classify returns the primary intent of query. Trivial question patterns
// win over topics, topics win over generic knowledge questions.
func Classify(query string) Intent {
	norm := sanitize.Normalize(query)
	if norm == "" {
		return General
	}
	for _, p := range simpleQAPatterns {
		if strings.Contains(norm, sanitize.Normalize(p)) {
			return SimpleQA
		}
	}
	for _, topic := range topicOrder {
		if Matches(topic, norm) {
			return topic
		}
	}
	for _, m := range knowledgeMarkers {
		if strings.Contains(norm, sanitize.Normalize(m)) {
			return KnowledgeQA
		}
	}
	if strings.HasSuffix(strings.TrimSpace(norm), "?") {
		return KnowledgeQA
	}
	return General
}

// Matches reports whether s mentions the vocabulary of intent i. The scorer
// uses this to drop alternatives whose titles do not fit the detected topic.
func Matches(i Intent, s string) bool {
	words, ok := vocabulary[i]
	if !ok {
		return false
	}
	norm := sanitize.Normalize(s)
	for _, w := range words {
		if strings.Contains(norm, sanitize.Normalize(w)) {
			return true
		}
	}
	return false
}

// Topical reports whether i is one of the topic intents that filter
// alternatives during value scoring. General and question-shaped intents
// never filter.
func (i Intent) Topical() bool {
	switch i {
	case Weather, Health, Learn, Plan:
		return true
	default:
		return false
	}
}
