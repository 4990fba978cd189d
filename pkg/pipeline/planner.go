package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/evidence"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/intent"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/llm"
)

// Plan sources. stage_fallback marks any plan the stage built itself, with
// extras.plan.meta.reason naming why the model path was skipped or failed.
const (
	PlanSourceLLM      = "llm"
	PlanSourceSimpleQA = "simple_qa"
	PlanSourceFallback = "stage_fallback"
)

// Fallback reasons recorded in Plan.Meta.
const (
	fallbackFastMode     = "fast_mode"
	fallbackUnconfigured = "llm_unconfigured"
	fallbackChatError    = "chat_error"
	fallbackInvalidJSON  = "invalid_json"
	fallbackEmptyPlan    = "empty_plan"
)

// maxPlanSteps bounds any plan regardless of source.
const maxPlanSteps = 8

// PlanStep is one step of a decision plan. Steps become the candidate
// options when the request carries none of its own.
type PlanStep struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Detail       string   `json:"detail,omitempty"`
	Why          string   `json:"why,omitempty"`
	ETAHours     float64  `json:"eta_hours,omitempty"`
	Risk         float64  `json:"risk"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Plan is the planning stage output.
type Plan struct {
	Steps  []PlanStep     `json:"steps"`
	Source string         `json:"source"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Planner builds the plan: a model call when one is configured, and a
// deterministic intent-keyed template otherwise. It never fails into the
// orchestrator; every degradation is a stage_fallback plan.
type Planner struct {
	client llm.Client
	logger *slog.Logger
}

// NewPlanner wires the planning stage. A nil client pins the planner to
// template plans, which is also the fast-mode behavior.
func NewPlanner(client llm.Client, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, logger: logger}
}

const plannerSystem = `You are a decision planner. Given a goal and optional evidence,
respond with STRICT JSON only, no prose:
{"steps": [{"id": "<slug>", "title": "<short action>", "detail": "<how>", "why": "<reason>", "eta_hours": <float>, "risk": <float 0.0-1.0>, "dependencies": [<ids>]}]}
Use 2-6 steps. Keep titles under 120 characters. Risk reflects the chance
the step causes harm or fails, not effort.`

// plannerMaxEvidence bounds the evidence lines included in the user prompt.
const plannerMaxEvidence = 5

// Plan produces the plan for query. Trivial questions short-circuit to a
// one-step answer plan before any model call; fast mode and an unconfigured
// client fall through to the intent template.
func (p *Planner) Plan(ctx context.Context, req Request, detected intent.Intent, items []evidence.Item, seed int64) *Plan {
	if detected == intent.SimpleQA {
		return simpleQAPlan()
	}
	if req.FastMode {
		return fallbackPlan(detected, fallbackFastMode)
	}
	if p.client == nil {
		return fallbackPlan(detected, fallbackUnconfigured)
	}

	resp, err := p.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: plannerSystem},
		{Role: "user", Content: plannerUser(req, items)},
	}, &llm.SamplingOptions{Temperature: 0, Seed: seed, MaxTokens: 1200, ForceJSON: true})
	if err != nil {
		reason := fallbackChatError
		if errors.Is(err, llm.ErrUnconfigured) {
			reason = fallbackUnconfigured
		} else {
			p.logger.Warn("planner: model call failed, using template plan",
				slog.String("error", err.Error()))
		}
		return fallbackPlan(detected, reason)
	}

	payload, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		p.logger.Warn("planner: no JSON in model response, using template plan")
		return fallbackPlan(detected, fallbackInvalidJSON)
	}
	steps, err := decodeSteps(payload)
	if err != nil {
		p.logger.Warn("planner: undecodable plan, using template plan",
			slog.String("error", err.Error()))
		return fallbackPlan(detected, fallbackInvalidJSON)
	}
	if len(steps) == 0 {
		return fallbackPlan(detected, fallbackEmptyPlan)
	}
	return &Plan{Steps: steps, Source: PlanSourceLLM, Meta: map[string]any{"model": resp.Model}}
}

// plannerUser renders the user prompt: the goal, then context stakes, then
// at most plannerMaxEvidence evidence lines.
func plannerUser(req Request, items []evidence.Item) string {
	var b strings.Builder
	b.WriteString("goal: ")
	b.WriteString(req.Query)
	if stakes, ok := floatFromContext(req.Context, "stakes"); ok {
		fmt.Fprintf(&b, "\nstakes: %.2f", stakes)
	}
	for i, it := range items {
		if i >= plannerMaxEvidence {
			break
		}
		fmt.Fprintf(&b, "\nevidence[%d] (%s): %s", i, it.Source, it.Snippet)
	}
	return b.String()
}

// decodeSteps accepts both the {"steps": [...]} wrapper and a bare array,
// then normalizes: blank titles dropped, missing ids minted, risk clamped,
// step count capped.
func decodeSteps(payload string) ([]PlanStep, error) {
	var wrapper struct {
		Steps []PlanStep `json:"steps"`
	}
	raw := []PlanStep(nil)
	if err := json.Unmarshal([]byte(payload), &wrapper); err == nil && wrapper.Steps != nil {
		raw = wrapper.Steps
	} else if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("pipeline: decode plan: %w", err)
	}

	steps := make([]PlanStep, 0, len(raw))
	for i, st := range raw {
		st.Title = strings.TrimSpace(st.Title)
		if st.Title == "" {
			continue
		}
		if strings.TrimSpace(st.ID) == "" {
			st.ID = fmt.Sprintf("step-%d", i+1)
		}
		st.Risk = clamp01(st.Risk)
		steps = append(steps, st)
		if len(steps) == maxPlanSteps {
			break
		}
	}
	return steps, nil
}

// simpleQAPlan is the short-circuit for trivial questions: one answer step,
// no model call, no template.
func simpleQAPlan() *Plan {
	return &Plan{
		Source: PlanSourceSimpleQA,
		Steps: []PlanStep{{
			ID:    "answer",
			Title: "Answer the question directly",
			Why:   "trivial question, planning adds nothing",
			Risk:  0.01,
		}},
	}
}

// fallbackTemplates are the deterministic plans keyed by topic intent. Step
// titles deliberately carry the topic vocabulary so the value scorer's
// intent filter keeps them.
var fallbackTemplates = map[intent.Intent][]PlanStep{
	intent.Weather: {
		{ID: "forecast", Title: "Check the latest weather forecast", Why: "ground the decision in current conditions", ETAHours: 0.1, Risk: 0.05},
		{ID: "adjust", Title: "Adjust today's schedule to the forecast", Why: "avoid weather-exposed slots", ETAHours: 0.5, Risk: 0.1, Dependencies: []string{"forecast"}},
		{ID: "backup", Title: "Prepare for rain with an umbrella and a backup slot", Why: "cheap hedge if conditions turn", ETAHours: 0.2, Risk: 0.05, Dependencies: []string{"forecast"}},
	},
	intent.Health: {
		{ID: "baseline", Title: "Review current sleep and health baseline", Why: "decide from data, not habit", ETAHours: 0.3, Risk: 0.05},
		{ID: "exercise", Title: "Pick one exercise block for today", Why: "single committed block beats a vague plan", ETAHours: 1.0, Risk: 0.15, Dependencies: []string{"baseline"}},
		{ID: "recovery", Title: "Schedule rest and diet checkpoints", Why: "recovery keeps the plan sustainable", ETAHours: 0.2, Risk: 0.05, Dependencies: []string{"exercise"}},
	},
	intent.Learn: {
		{ID: "goal", Title: "Define the study goal and scope", Why: "bounded goals finish", ETAHours: 0.3, Risk: 0.05},
		{ID: "practice", Title: "Practice with one focused tutorial", Why: "doing beats reading", ETAHours: 2.0, Risk: 0.1, Dependencies: []string{"goal"}},
		{ID: "review", Title: "Review learning progress and adjust", Why: "catch drift early", ETAHours: 0.3, Risk: 0.05, Dependencies: []string{"practice"}},
	},
	intent.Plan: {
		{ID: "draft", Title: "Draft the initial plan and milestones", Why: "make the shape visible", ETAHours: 0.5, Risk: 0.05},
		{ID: "sequence", Title: "Sequence the schedule against dependencies", Why: "ordering surfaces conflicts", ETAHours: 0.5, Risk: 0.1, Dependencies: []string{"draft"}},
		{ID: "review", Title: "Review the plan against constraints", Why: "constraints kill more plans than effort", ETAHours: 0.3, Risk: 0.05, Dependencies: []string{"sequence"}},
	},
}

// genericFallback serves non-topical intents.
var genericFallback = []PlanStep{
	{ID: "clarify", Title: "Clarify the goal and constraints", Why: "most bad decisions start as vague ones", ETAHours: 0.2, Risk: 0.05},
	{ID: "gather", Title: "Gather supporting evidence", Why: "decisions need grounding", ETAHours: 0.5, Risk: 0.05, Dependencies: []string{"clarify"}},
	{ID: "compare", Title: "Compare candidate approaches", Why: "alternatives expose hidden costs", ETAHours: 0.5, Risk: 0.1, Dependencies: []string{"gather"}},
	{ID: "recommend", Title: "Recommend the safest viable option", Why: "bias to reversible choices", ETAHours: 0.2, Risk: 0.05, Dependencies: []string{"compare"}},
}

// fallbackPlan returns the template plan for the detected intent, stamped
// stage_fallback with the skip reason.
func fallbackPlan(detected intent.Intent, reason string) *Plan {
	tpl, ok := fallbackTemplates[detected]
	if !ok {
		tpl = genericFallback
	}
	steps := make([]PlanStep, len(tpl))
	copy(steps, tpl)
	return &Plan{Steps: steps, Source: PlanSourceFallback, Meta: map[string]any{"reason": reason}}
}
