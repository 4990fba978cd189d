package fuji

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
)

// AuditSink records gate events in the trust log. Append returns the id of
// the recorded entry. Implementations must be safe for concurrent use.
type AuditSink interface {
	Append(kind string, payload map[string]any) (string, error)
}

// GuardInput is the deterministic view of an evaluation offered to
// governance guard rules. Scores are scaled to integer percent so rule
// expressions never touch floats.
type GuardInput struct {
	RiskPct       int
	StakesPct     int
	TelosPct      int
	EvidenceCount int
	Mode          string
	Categories    []string
}

// GuardHit is one triggered guard rule.
type GuardHit struct {
	RuleID  string
	Action  string
	Message string
}

// Guard evaluates governance guard rules. Implementations cache compiled
// expressions; rules arrive per call because the policy can hot-reload.
type Guard interface {
	Check(rules []GuardRule, in GuardInput) ([]GuardHit, error)
}

// Input is one gate evaluation request.
type Input struct {
	Query       string
	Title       string
	Description string

	Stakes      float64
	TelosScore  *float64
	SafeApplied bool

	// EvidenceCount and MinEvidence drive the low_evidence rule, which is
	// enforced only when HasEvidence is set: a request that never carried
	// an evidence field is a pre-check, not an under-evidenced decision.
	EvidenceCount int
	HasEvidence   bool
	MinEvidence   int

	// DebateRiskFlag marks that the debate stage itself flagged the chosen
	// option; illicit denies then carry F-2101 instead of a safety code.
	DebateRiskFlag bool

	Mode      string // "decide" or "validate_action"
	RequestID string
}

// Gate runs the three-stage safety assessment: rule screen, safety head,
// policy decision.
//
// Invariants:
//   - Status deny always carries a registered code and a rejection reason
//   - Every safety-head invocation is recorded as a fuji_evaluate event
//   - Safety-head failures degrade to the heuristic, they never block
type Gate struct {
	registry *Registry
	policy   *PolicyStore
	head     SafetyHead
	guard    Guard
	audit    AuditSink
	logger   *slog.Logger
	clock    func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithSafetyHead attaches a model-backed head. Without one the gate runs
// heuristic-only, which is also the VERITAS_SAFETY_MODE=heuristic behavior.
func WithSafetyHead(h SafetyHead) GateOption {
	return func(g *Gate) { g.head = h }
}

// WithGuard attaches a governance guard evaluator.
func WithGuard(guard Guard) GateOption {
	return func(g *Gate) { g.guard = guard }
}

// WithAuditSink attaches the trust-log sink for fuji_evaluate events.
func WithAuditSink(sink AuditSink) GateOption {
	return func(g *Gate) { g.audit = sink }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.clock = now }
}

// NewGate builds a gate over the given code registry and policy store.
func NewGate(registry *Registry, policy *PolicyStore, opts ...GateOption) *Gate {
	g := &Gate{
		registry: registry,
		policy:   policy,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry exposes the code table so pipeline stages can build rejections
// for layer-1 and layer-2 findings of their own.
func (g *Gate) Registry() *Registry { return g.registry }

// PolicyVersion returns the active policy version.
func (g *Gate) PolicyVersion() string { return g.policy.Current().Version }

// Evaluate runs all three stages and returns the decision. The only error
// path is a failed audit append; callers treat that as an integrity
// failure, not a policy outcome.
func (g *Gate) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	start := g.clock()
	p := g.policy.Current()
	if in.Mode == "" {
		in.Mode = "decide"
	}

	// Stage A: rule screen over the concatenated text fields.
	screen := Screen(p, in.Query, in.Title, in.Description)
	text := joinText(in.Query, in.Title, in.Description)

	// Stage B: heuristic always, model head when available.
	assessment := HeuristicAssessment(screen)
	if g.head != nil {
		hints := map[string]any{"stakes": in.Stakes, "mode": in.Mode}
		model, err := g.head.Analyze(ctx, text, hints)
		if err != nil {
			g.logger.Warn("safety head degraded to heuristic",
				slog.String("error", err.Error()),
				slog.String("request_id", in.RequestID))
		} else {
			assessment = Combine(model, assessment)
		}
	}
	latencyMS := g.clock().Sub(start).Milliseconds()

	trustLogID, err := g.emitEvaluate(in, p, assessment, text, latencyMS)
	if err != nil {
		return nil, fmt.Errorf("fuji: record fuji_evaluate: %w", err)
	}

	// Stage C: policy decision.
	d := g.decide(p, in, screen, assessment)
	d.DecisionStatus = d.Status.External()
	d.LegacyStatus = d.Status.Legacy()
	d.PolicyVersion = p.Version
	d.LatencyMS = latencyMS
	d.TrustLogID = trustLogID
	return d, nil
}

// emitEvaluate records the Stage B outcome. The preview is PII-masked when
// the policy asks for redaction, and always truncated.
func (g *Gate) emitEvaluate(in Input, p *Policy, a Assessment, text string, latencyMS int64) (string, error) {
	if g.audit == nil {
		return "", nil
	}
	preview := sanitize.Preview(text, p.Audit.PreviewMaxRunes)
	if !p.Audit.RedactBeforeLog {
		preview = truncateRunes(text, p.Audit.PreviewMaxRunes)
	}
	payload := map[string]any{
		"gate":           GateName,
		"risk_score":     a.RiskScore,
		"categories":     a.Categories,
		"policy_version": p.Version,
		"latency_ms":     latencyMS,
		"text_preview":   preview,
		"model":          a.Model,
	}
	if in.RequestID != "" {
		payload["request_id"] = in.RequestID
	}
	return g.audit.Append("fuji_evaluate", payload)
}

// decide applies the Stage C policy rules, worst outcome first.
func (g *Gate) decide(p *Policy, in Input, screen ScreenResult, a Assessment) *Decision {
	d := &Decision{
		Status:     StatusAllow,
		Categories: ensureSlice(a.Categories),
		Reasons:    []string{},
		Violations: []string{},
		Warnings:   []string{},
		Assessment: a,
	}

	risk := a.RiskScore
	illicit := screen.Illicit() || a.Has(CategoryIllicit)
	strongSignal := illicit || len(screen.Injections) > 0

	// PII softening first: clamps apply only when PII is the dominant
	// signal, never on top of illicit or injection findings.
	piiViolation := len(screen.PII) > 0
	if piiViolation && in.SafeApplied {
		piiViolation = false
		if !strongSignal && risk > 0.40 {
			risk = 0.40
		}
		d.Reasons = append(d.Reasons, "pii_safe_applied")
	} else if piiViolation && screen.OnlyNameLike() {
		piiViolation = false
		if !strongSignal && risk > 0.20 {
			risk = 0.20
		}
		d.Reasons = append(d.Reasons, "fallback_pii_ignored")
	}
	if piiViolation {
		for _, kind := range screen.PIIKinds() {
			d.Violations = append(d.Violations, "pii:"+kind)
		}
	}
	risk = roundRisk(risk)
	d.RiskScore = risk

	// 1. Illicit content at or above the deny threshold.
	if illicit && risk >= p.Risk.Deny {
		d.Reasons = append(d.Reasons, "illicit_content")
		if screen.HardKeyword != "" {
			d.Violations = append(d.Violations, "hard_keyword:"+screen.HardKeyword)
		}
		return g.deny(d, g.denyCode(in, screen, a))
	}

	// 2. Value misalignment against the telos floor.
	if in.TelosScore != nil && *in.TelosScore < p.Risk.TelosFloor {
		d.Reasons = append(d.Reasons, "value_misalignment")
		return g.deny(d, g.registry.MustLookup(CodeValueMisalignment))
	}

	// 3. Governance guard rules.
	if g.guard != nil && len(p.GuardRules) > 0 {
		hits, err := g.guard.Check(p.GuardRules, guardInput(in, risk, a))
		if err != nil {
			g.logger.Warn("guard evaluation degraded",
				slog.String("error", err.Error()),
				slog.String("request_id", in.RequestID))
		}
		for _, hit := range hits {
			if hit.Action == "BLOCK" {
				d.Reasons = append(d.Reasons, "governance_conflict:"+hit.RuleID)
				return g.deny(d, g.registry.MustLookup(CodeGovernanceConflict))
			}
			d.Warnings = append(d.Warnings, "guard:"+hit.RuleID)
		}
	}

	// 4. Low evidence, enforced only when the request carries evidence.
	minEvidence := in.MinEvidence
	if minEvidence <= 0 {
		minEvidence = p.MinEvidence
	}
	lowEvidence := in.HasEvidence && in.EvidenceCount < minEvidence
	if lowEvidence {
		d.Reasons = append(d.Reasons, "low_evidence")
		if risk >= p.Risk.Deny || (in.Stakes >= p.Risk.HighStakes && risk >= p.Risk.Warn) {
			return g.deny(d, g.registry.MustLookup(CodeLowEvidence))
		}
	}

	// 5. High risk without an illicit classification holds for review.
	if risk >= p.Risk.Deny {
		d.Reasons = append(d.Reasons, "high_risk")
	}

	if lowEvidence || risk >= p.Risk.Deny {
		d.Status = StatusNeedsHumanReview
		if lowEvidence {
			d.Guidance = fmt.Sprintf("Attach at least %d evidence item(s) and resubmit; decisions without evidence require human review.", minEvidence)
		} else {
			d.Guidance = "A human reviewer must approve this decision before it proceeds."
		}
		return d
	}

	// 6. Warning band.
	if risk >= p.Risk.Warn {
		d.Status = StatusAllowWithWarning
		d.Warnings = append(d.Warnings, "elevated_risk")
	}
	if len(screen.SoftKeywords) > 0 {
		d.Status = StatusAllowWithWarning
		d.Warnings = append(d.Warnings, "sensitive_topic:"+screen.SoftKeywords[0])
	}
	if piiViolation {
		d.Status = StatusAllowWithWarning
		d.Warnings = append(d.Warnings, "pii_detected")
		d.Guidance = "Mask personal data before acting on this decision."
	}
	return d
}

// deny finalizes a blocking decision with the selected code.
func (g *Gate) deny(d *Decision, code Code) *Decision {
	d.Status = StatusDeny
	d.Code = &code
	reason := fmt.Sprintf("%s: %s", code.Code, code.Message)
	d.RejectionReason = &reason
	d.Guidance = code.Feedback.Hint
	return d
}

// denyCode selects the rejection code for an illicit deny by trigger.
func (g *Gate) denyCode(in Input, screen ScreenResult, a Assessment) Code {
	switch {
	case in.DebateRiskFlag:
		return g.registry.MustLookup(CodeDebateRiskFlag)
	case screen.Illicit() || a.Has(CategoryIllicit):
		return g.registry.MustLookup(CodeIllicitContent)
	case len(screen.Injections) > 0 || a.Has(CategoryInjection):
		return g.registry.MustLookup(CodePromptInjection)
	case a.Has(CategoryPII):
		return g.registry.MustLookup(CodePIIExposure)
	default:
		return g.registry.MustLookup(CodeHarmRisk)
	}
}

func guardInput(in Input, risk float64, a Assessment) GuardInput {
	telosPct := 0
	if in.TelosScore != nil {
		telosPct = int(*in.TelosScore * 100)
	}
	return GuardInput{
		RiskPct:       int(risk * 100),
		StakesPct:     int(in.Stakes * 100),
		TelosPct:      telosPct,
		EvidenceCount: in.EvidenceCount,
		Mode:          in.Mode,
		Categories:    a.Categories,
	}
}

func joinText(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if max > 0 && len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return s
}

func ensureSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
