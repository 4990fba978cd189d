package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/canonicaljson"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/evidence"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/governance"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/healing"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/intent"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/llm"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/observability"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// Gatekeeper is the safety-gate surface the pipeline drives.
type Gatekeeper interface {
	Evaluate(ctx context.Context, in fuji.Input) (*fuji.Decision, error)
	Registry() *fuji.Registry
	PolicyVersion() string
}

// AuditLog is the trust-log surface: append one entry, get its identity
// back. Append failures are integrity failures, never swallowed.
type AuditLog interface {
	Append(kind string, payload map[string]any) (*trustlog.Entry, error)
}

// Governor supplies the value weights and absorbs value observations.
type Governor interface {
	Get() governance.Document
	ObserveDecision(score float64) (governance.DriftStatus, error)
}

// EvidenceCollector is the evidence stage surface.
type EvidenceCollector interface {
	Collect(ctx context.Context, req evidence.Request) ([]evidence.Item, evidence.Stats)
}

// Deps wires the pipeline's collaborators. Config, Collector, Gate, Policy,
// and Log are required; LLM, Governor, and Obs degrade gracefully when nil.
type Deps struct {
	Config    *config.Config
	Collector EvidenceCollector
	LLM       llm.Client
	Gate      Gatekeeper
	Policy    *fuji.PolicyStore
	Log       AuditLog
	Governor  Governor
	Obs       *observability.Provider
	Logger    *slog.Logger
}

// Pipeline executes the fixed decision flow for one gateway instance.
type Pipeline struct {
	cfg       *config.Config
	collector EvidenceCollector
	planner   *Planner
	scorer    *Scorer
	debater   *Debater
	gate      Gatekeeper
	policy    *fuji.PolicyStore
	log       AuditLog
	governor  Governor
	obs       *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
}

// PipelineOption configures optional behavior.
type PipelineOption func(*Pipeline)

// WithClock overrides the clock for deterministic testing.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.clock = now }
}

// New validates the wiring and builds the pipeline.
func New(d Deps, opts ...PipelineOption) (*Pipeline, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("pipeline: config is required")
	case d.Collector == nil:
		return nil, errors.New("pipeline: evidence collector is required")
	case d.Gate == nil:
		return nil, errors.New("pipeline: gate is required")
	case d.Policy == nil:
		return nil, errors.New("pipeline: policy store is required")
	case d.Log == nil:
		return nil, errors.New("pipeline: trust log is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:       d.Config,
		collector: d.Collector,
		planner:   NewPlanner(d.LLM, logger),
		scorer:    NewScorer(logger),
		debater:   NewDebater(d.LLM, logger),
		gate:      d.Gate,
		policy:    d.Policy,
		log:       d.Log,
		governor:  d.Governor,
		obs:       d.Obs,
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// retryPause is the base inter-attempt delay; the actual pause is jittered
// from the request's deterministic stream and scaled by the attempt number.
const retryPause = 50 * time.Millisecond

// passState is the per-attempt view of the request. The healing loop
// mutates the sampling seed, seed evidence, and exclusions between attempts;
// everything else is fixed at admission.
type passState struct {
	requestID   string
	detected    intent.Intent
	seed        int64
	stakes      float64
	telos       *float64
	safeApplied bool
	hasEvidence bool
	seedItems   []evidence.Item
	exclude     map[string]string
}

// passResult is one full evidence→plan→score→debate→gate run.
type passResult struct {
	items  []evidence.Item
	stats  evidence.Stats
	plan   *Plan
	scored ScoreResult
	debate DebateResult
	fuji   *fuji.Decision
}

// Decide runs the pipeline to a terminal outcome: the stages in order, the
// self-healing loop on rejection, then trust-log persistence, governance
// observation, and envelope assembly. The only error paths are integrity
// failures (trust log or gate audit); policy outcomes, including deny, are
// successful responses.
func (p *Pipeline) Decide(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, done := p.track(ctx, "pipeline.decide")
	defer func() { done(err) }()
	start := p.clock()

	st := passState{
		requestID:   p.requestID(req),
		detected:    intent.Classify(req.Query),
		safeApplied: boolFromContext(req.Context, "safe_applied"),
		hasEvidence: req.Evidence != nil,
		seedItems:   normalizeSeed(req.Evidence),
		exclude:     map[string]string{},
	}
	if req.Seed != nil {
		st.seed = *req.Seed
	}
	st.stakes, _ = floatFromContext(req.Context, "stakes")
	if v, ok := floatFromContext(req.Context, "telos_score"); ok {
		st.telos = &v
	}
	baseSeed := st.seed
	rng := NewStream(baseSeed, "pipeline.stages")

	rawBody, err := canonicaljson.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: canonicalize request: %w", err)
	}

	session := healing.NewSession(p.gate.Registry(), healing.BudgetFromConfig(p.cfg),
		healing.Enabled(p.cfg.SelfHealingEnabled, req.Context))

	var (
		pass          passResult
		healReport    *healing.Report
		healTrustIDs  []string
		lastHealInput healing.Input
		healed        bool
	)

	for {
		pass, err = p.runPass(ctx, req, st)
		if err != nil {
			return nil, err
		}
		rej := pass.fuji.Rejection()
		if rej == nil {
			break
		}

		code := ""
		if pass.fuji.Code != nil {
			code = pass.fuji.Code.Code
		}
		input := healing.Input{
			OriginalTask:   req.Query,
			LastOutput:     finalOutput(pass),
			Rejection:      toMap(rej),
			Attempt:        session.State().Attempt + 1,
			PolicyDecision: actionFor(p.gate.Registry(), code),
		}
		outcome, evalErr := session.Evaluate(code, input)
		if evalErr != nil {
			p.logger.Error("healing: evaluate failed, treating rejection as final",
				slog.String("request_id", st.requestID),
				slog.String("error", evalErr.Error()))
		}

		if aerr := p.appendHealing(st.requestID, code, input, outcome, session,
			[]string{pass.fuji.TrustLogID}); aerr != nil {
			return nil, aerr
		}

		if !outcome.Retry {
			report := session.Report(outcome.StopReason, "")
			healReport = &report
			break
		}

		session.Advance(code, outcome)
		healed = true
		lastHealInput = input
		healTrustIDs = append(healTrustIDs, pass.fuji.TrustLogID)
		req.Context = contextWithHealing(req.Context, input)

		switch outcome.Action {
		case fuji.ActionRequestEvidence:
			// Promote what the collector already found into the seed so
			// the retry decides over an augmented evidence set.
			st.seedItems = evidence.Dedupe(append(st.seedItems, pass.items...))
			st.hasEvidence = true
		case fuji.ActionReDebate, fuji.ActionReCritique:
			if id := pass.debate.Chosen.ID; id != "" {
				st.exclude[id] = fmt.Sprintf("risk-flagged in attempt %d (%s)", input.Attempt, code)
			}
		}

		// Fresh sampling seed and a jittered pause before re-entering, both
		// drawn from the deterministic stream.
		st.seed = rng.Int63()
		pause(ctx, rng.Jitter(retryPause*time.Duration(input.Attempt)))

		p.logger.Info("healing: retry scheduled",
			slog.String("request_id", st.requestID),
			slog.String("code", code),
			slog.String("action", outcome.Action),
			slog.Int("attempt", input.Attempt))
	}

	if healed && pass.fuji.Rejection() == nil {
		terminal := healing.Input{
			OriginalTask:   lastHealInput.OriginalTask,
			LastOutput:     finalOutput(pass),
			Rejection:      map[string]any{},
			Attempt:        session.State().Attempt + 1,
			PolicyDecision: lastHealInput.PolicyDecision,
		}
		diff := healing.DiffSummary(lastHealInput, terminal)
		report := session.Report(healing.StopResolved, diff)
		healReport = &report
		ids := append(append([]string{}, healTrustIDs...), pass.fuji.TrustLogID)
		if aerr := p.appendResolved(st.requestID, session, diff, ids); aerr != nil {
			return nil, aerr
		}
	}

	resp = p.buildResponse(req, st, pass, healReport)
	resp.Extras.Replay = &ReplayBlock{
		Seed:        baseSeed,
		Temperature: 0,
		RequestBody: json.RawMessage(rawBody),
		FinalOutput: finalOutput(pass),
	}

	if p.governor != nil && pass.fuji.Rejection() == nil {
		status, gerr := p.governor.ObserveDecision(resp.Chosen.Score)
		if gerr != nil {
			p.logger.Warn("governance: value observation failed",
				slog.String("request_id", st.requestID),
				slog.String("error", gerr.Error()))
		} else {
			resp.Extras.Governance = &GovernanceExtras{
				ValueEMA: status.ValueEMA,
				Drift:    status.Drift,
				Alarm:    status.Alarm,
			}
		}
	}

	payload := p.decisionPayload(resp, st)
	payload["latency_ms"] = p.clock().Sub(start).Milliseconds()
	entry, err := p.log.Append(trustlog.KindDecision, payload)
	if err != nil {
		return nil, fmt.Errorf("pipeline: persist decision: %w", err)
	}
	resp.DecisionID = entry.DecisionID
	resp.TrustLogID = entry.DecisionID
	resp.ensureEnvelope()

	if p.obs != nil {
		p.obs.RecordDecision(ctx)
	}
	p.logger.Info("decision complete",
		slog.String("request_id", resp.RequestID),
		slog.String("decision_id", resp.DecisionID),
		slog.String("status", resp.DecisionStatus),
		slog.Bool("fast_mode", req.FastMode))
	return resp, nil
}

// runPass executes one attempt: evidence, plan, score, debate, gate.
func (p *Pipeline) runPass(ctx context.Context, req Request, st passState) (passResult, error) {
	var pass passResult

	ctxEv, doneEv := p.track(ctx, "pipeline.evidence")
	pass.items, pass.stats = p.collector.Collect(ctxEv, evidence.Request{
		Query:    req.Query,
		Context:  req.Context,
		Stakes:   st.stakes,
		FastMode: req.FastMode,
		Seed:     st.seedItems,
	})
	doneEv(nil)

	ctxPlan, donePlan := p.track(ctx, "pipeline.plan")
	pass.plan = p.planner.Plan(ctxPlan, req, st.detected, pass.items, st.seed)
	donePlan(nil)

	candidates := req.Options
	if len(candidates) == 0 {
		candidates = optionsFromPlan(pass.plan)
	}

	doc := governance.DefaultDocument()
	if p.governor != nil {
		doc = p.governor.Get()
	}
	pol := p.policy.Current()

	_, doneScore := p.track(ctx, "pipeline.score")
	pass.scored = p.scorer.Score(ScoreInput{
		Options:   candidates,
		Weights:   doc.Values,
		HardBlock: pol.Keywords.HardBlock,
		SoftBlock: pol.Keywords.SoftBlock,
		Intent:    st.detected,
	})
	doneScore(nil)

	ctxDeb, doneDeb := p.track(ctx, "pipeline.debate")
	pass.debate = p.debater.Run(ctxDeb, DebateInput{
		Query:     req.Query,
		Options:   pass.scored.Options,
		HardBlock: pol.Keywords.HardBlock,
		Stakes:    st.stakes,
		Seed:      st.seed,
		Fast:      req.FastMode,
		Exclude:   st.exclude,
	})
	doneDeb(nil)

	ctxGate, doneGate := p.track(ctx, "pipeline.gate")
	decision, err := p.gate.Evaluate(ctxGate, fuji.Input{
		Query:          req.Query,
		Title:          pass.debate.Chosen.Title,
		Description:    pass.debate.Chosen.Description,
		Stakes:         st.stakes,
		TelosScore:     st.telos,
		SafeApplied:    st.safeApplied,
		EvidenceCount:  len(st.seedItems),
		HasEvidence:    st.hasEvidence,
		DebateRiskFlag: pass.debate.RiskFlag,
		Mode:           "decide",
		RequestID:      st.requestID,
	})
	doneGate(err)
	if err != nil {
		return pass, fmt.Errorf("pipeline: gate: %w", err)
	}
	pass.fuji = decision
	return pass, nil
}

// buildResponse assembles the envelope from the terminal pass.
func (p *Pipeline) buildResponse(req Request, st passState, pass passResult, healReport *healing.Report) *Response {
	chosen := pass.debate.Chosen
	return &Response{
		RequestID:      st.requestID,
		DecisionStatus: pass.fuji.DecisionStatus,
		Chosen:         &chosen,
		Alternatives:   pass.debate.Alternatives,
		Evidence:       pass.items,
		Gate: GateResult{
			Status:     pass.fuji.DecisionStatus,
			Reasons:    pass.fuji.Reasons,
			Violations: pass.fuji.Violations,
			Risk:       pass.fuji.RiskScore,
		},
		Fuji:      pass.fuji,
		Rejection: pass.fuji.Rejection(),
		Extras: Extras{
			FastMode:    req.FastMode,
			Metrics:     pass.stats,
			MemoryMeta:  MemoryMeta{Context: MemoryMetaContext{Fast: req.FastMode}},
			Plan:        pass.plan,
			SelfHealing: healReport,
			Discarded:   pass.scored.Discarded,
		},
	}
}

// decisionPayload is the trust-log record for the terminal outcome.
func (p *Pipeline) decisionPayload(resp *Response, st passState) map[string]any {
	payload := map[string]any{
		"request_id":           resp.RequestID,
		"decision_status":      resp.DecisionStatus,
		"policy_version":       p.gate.PolicyVersion(),
		"intent":               string(st.detected),
		"fast_mode":            resp.Extras.FastMode,
		"chosen":               toMap(resp.Chosen),
		"alternatives_count":   len(resp.Alternatives),
		"evidence_count":       len(resp.Evidence),
		"risk_score":           resp.Gate.Risk,
		"value_score":          resp.Chosen.Score,
		"deterministic_replay": toMap(resp.Extras.Replay),
	}
	if resp.Fuji != nil && resp.Fuji.Code != nil {
		payload["fuji_code"] = resp.Fuji.Code.Code
	}
	if resp.Fuji != nil {
		payload["fuji_trust_log_id"] = resp.Fuji.TrustLogID
	}
	if resp.Extras.Governance != nil {
		payload["value_ema"] = resp.Extras.Governance.ValueEMA
	}
	if resp.Extras.SelfHealing != nil {
		payload["self_healing"] = toMap(resp.Extras.SelfHealing)
	}
	return payload
}

// appendHealing records one healing evaluation, retried or blocked.
func (p *Pipeline) appendHealing(requestID, code string, in healing.Input, out healing.Outcome, session *healing.Session, trustIDs []string) error {
	payload := map[string]any{
		"request_id":       requestID,
		"code":             code,
		"action":           out.Action,
		"attempt":          in.Attempt,
		"retry":            out.Retry,
		"budget_remaining": toMap(session.Remaining()),
		"input_signature":  out.Signature,
	}
	if out.StopReason != "" {
		payload["stop_reason"] = out.StopReason
	}
	if len(trustIDs) > 0 {
		payload["trust_log_ids"] = trustIDs
	}
	if _, err := p.log.Append(trustlog.KindSelfHealing, payload); err != nil {
		return fmt.Errorf("pipeline: persist healing attempt: %w", err)
	}
	return nil
}

// appendResolved records the terminal healing entry after a successful
// retry, referencing every gate evaluation the loop touched.
func (p *Pipeline) appendResolved(requestID string, session *healing.Session, diff string, trustIDs []string) error {
	payload := map[string]any{
		"request_id":       requestID,
		"stop_reason":      healing.StopResolved,
		"attempts":         session.State().Attempt,
		"diff_summary":     diff,
		"budget_remaining": toMap(session.Remaining()),
		"trust_log_ids":    trustIDs,
	}
	if _, err := p.log.Append(trustlog.KindSelfHealing, payload); err != nil {
		return fmt.Errorf("pipeline: persist healing resolution: %w", err)
	}
	return nil
}

func (p *Pipeline) requestID(req Request) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	if id, ok := req.Context["request_id"].(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func (p *Pipeline) track(ctx context.Context, name string) (context.Context, func(error)) {
	if p.obs == nil {
		return ctx, func(error) {}
	}
	return p.obs.TrackOperation(ctx, name)
}

// optionsFromPlan turns plan steps into candidate options when the request
// carried none of its own.
func optionsFromPlan(plan *Plan) []Option {
	if plan == nil {
		return nil
	}
	opts := make([]Option, 0, len(plan.Steps))
	for _, st := range plan.Steps {
		opts = append(opts, Option{
			ID:          st.ID,
			Title:       st.Title,
			Description: st.Detail,
			Why:         st.Why,
			ETAHours:    st.ETAHours,
			Risk:        st.Risk,
		})
	}
	return opts
}

// finalOutput is the compact result snapshot shared by the replay block and
// the healing loop's last_output. Key set is fixed; replay diffs depend on
// it being stable across versions.
func finalOutput(pass passResult) map[string]any {
	chosen := map[string]any{
		"id":      pass.debate.Chosen.ID,
		"title":   pass.debate.Chosen.Title,
		"score":   pass.debate.Chosen.Score,
		"verdict": pass.debate.Chosen.Verdict,
	}
	return map[string]any{
		"decision_status": pass.fuji.DecisionStatus,
		"chosen":          chosen,
		"risk_score":      pass.fuji.RiskScore,
	}
}

// actionFor resolves the feedback action for a code, defaulting to human
// review for unknown codes.
func actionFor(reg *fuji.Registry, code string) string {
	action, _ := healing.Resolve(reg, code)
	return action
}

// contextWithHealing returns a copy of ctxMap with the healing input merged
// under context.healing.input. The original map is never mutated; retries
// must not leak state into the caller's request.
func contextWithHealing(ctxMap map[string]any, in healing.Input) map[string]any {
	out := make(map[string]any, len(ctxMap)+1)
	for k, v := range ctxMap {
		out[k] = v
	}
	block, _ := out["healing"].(map[string]any)
	merged := make(map[string]any, len(block)+1)
	for k, v := range block {
		merged[k] = v
	}
	merged["input"] = toMap(in)
	out["healing"] = merged
	return out
}

// normalizeSeed coerces caller-supplied evidence to canonical shape and
// drops duplicates, preserving order.
func normalizeSeed(items []evidence.Item) []evidence.Item {
	if len(items) == 0 {
		return nil
	}
	normalized := make([]evidence.Item, 0, len(items))
	for _, it := range items {
		normalized = append(normalized, it.Normalized())
	}
	return evidence.Dedupe(normalized)
}

// toMap round-trips any JSON-serializable value into a generic map for
// trust-log payloads. Unserializable values become empty maps rather than
// failing an append.
func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func floatFromContext(ctxMap map[string]any, key string) (float64, bool) {
	raw, ok := ctxMap[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func boolFromContext(ctxMap map[string]any, key string) bool {
	v, _ := ctxMap[key].(bool)
	return v
}

// pause waits out the inter-attempt delay, abandoning the wait when the
// request context is canceled.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
