package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/intent"
)

func TestPlan_SimpleQAShortCircuits(t *testing.T) {
	client := &scriptedLLM{responses: []string{`{"steps":[]}`}}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "今何時?"}, intent.SimpleQA, nil, 0)

	assert.Equal(t, 0, client.calls)
	assert.Equal(t, PlanSourceSimpleQA, plan.Source)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "answer", plan.Steps[0].ID)
}

func TestPlan_FastModeUsesTemplate(t *testing.T) {
	client := &scriptedLLM{responses: []string{`{"steps":[]}`}}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "plan my week", FastMode: true}, intent.Plan, nil, 0)

	assert.Equal(t, 0, client.calls)
	assert.Equal(t, PlanSourceFallback, plan.Source)
	assert.Equal(t, fallbackFastMode, plan.Meta["reason"])
	assert.NotEmpty(t, plan.Steps)
}

func TestPlan_NilClientFallsBack(t *testing.T) {
	p := NewPlanner(nil, nil)

	plan := p.Plan(context.Background(), Request{Query: "anything"}, intent.General, nil, 0)

	assert.Equal(t, PlanSourceFallback, plan.Source)
	assert.Equal(t, fallbackUnconfigured, plan.Meta["reason"])
	assert.NotEmpty(t, plan.Steps)
}

func TestPlan_ModelPlanDecoded(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		"Here is the plan:\n```json\n{\"steps\":[{\"id\":\"s1\",\"title\":\"Survey options\",\"why\":\"scope\",\"risk\":0.2},{\"title\":\"  \",\"risk\":0.1},{\"title\":\"Decide\",\"risk\":1.7}]}\n```",
	}}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "make a call"}, intent.General, nil, 7)

	assert.Equal(t, 1, client.calls)
	assert.Equal(t, PlanSourceLLM, plan.Source)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "s1", plan.Steps[0].ID)
	// Blank titles are dropped, ids minted from position, risk clamped.
	assert.Equal(t, "step-3", plan.Steps[1].ID)
	assert.Equal(t, 1.0, plan.Steps[1].Risk)
	assert.Equal(t, "scripted", plan.Meta["model"])
}

func TestPlan_BareArrayAccepted(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		`[{"id":"a","title":"First","risk":0.1},{"id":"b","title":"Second","risk":0.2}]`,
	}}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "make a call"}, intent.General, nil, 0)

	assert.Equal(t, PlanSourceLLM, plan.Source)
	require.Len(t, plan.Steps, 2)
}

func TestPlan_ChatErrorFallsBack(t *testing.T) {
	client := &scriptedLLM{err: errors.New("timeout")}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "make a call"}, intent.General, nil, 0)

	assert.Equal(t, PlanSourceFallback, plan.Source)
	assert.Equal(t, fallbackChatError, plan.Meta["reason"])
}

func TestPlan_GarbageResponseFallsBack(t *testing.T) {
	client := &scriptedLLM{responses: []string{"I cannot answer in JSON, sorry."}}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "make a call"}, intent.General, nil, 0)

	assert.Equal(t, PlanSourceFallback, plan.Source)
	assert.Equal(t, fallbackInvalidJSON, plan.Meta["reason"])
}

func TestPlan_EmptyStepsFallsBack(t *testing.T) {
	client := &scriptedLLM{responses: []string{`{"steps":[]}`}}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "make a call"}, intent.General, nil, 0)

	assert.Equal(t, PlanSourceFallback, plan.Source)
	assert.Equal(t, fallbackEmptyPlan, plan.Meta["reason"])
}

func TestPlan_StepCountCapped(t *testing.T) {
	steps := `[`
	for i := 0; i < 12; i++ {
		if i > 0 {
			steps += ","
		}
		steps += `{"title":"step"}`
	}
	steps += `]`
	client := &scriptedLLM{responses: []string{steps}}
	p := NewPlanner(client, nil)

	plan := p.Plan(context.Background(), Request{Query: "make a call"}, intent.General, nil, 0)

	assert.Len(t, plan.Steps, maxPlanSteps)
}

func TestFallbackTemplates_TitlesMatchIntent(t *testing.T) {
	for _, topic := range []intent.Intent{intent.Weather, intent.Health, intent.Learn, intent.Plan} {
		plan := fallbackPlan(topic, fallbackUnconfigured)
		require.NotEmpty(t, plan.Steps, "intent %s", topic)
		for _, st := range plan.Steps {
			assert.True(t, intent.Matches(topic, st.Title),
				"intent %s step %q must survive the intent filter", topic, st.Title)
		}
	}
}

func TestFallbackPlan_CopiesTemplate(t *testing.T) {
	a := fallbackPlan(intent.Weather, fallbackFastMode)
	a.Steps[0].Title = "mutated"
	b := fallbackPlan(intent.Weather, fallbackFastMode)
	assert.NotEqual(t, "mutated", b.Steps[0].Title)
}
