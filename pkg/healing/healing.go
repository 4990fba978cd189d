// Package healing implements the self-healing loop policy: it decides
// whether a gate rejection may be retried, tracks the per-decision budget,
// and produces the audit payload emitted when the loop stops.
//
// The per-code retry table is the feedback action carried by the FUJI code
// registry, so operators who load a registry file also reshape the healing
// policy. Safety and security codes (F-4xxx) never retry regardless of what
// a registry document declares.
package healing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/canonicaljson"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
)

// Stop reasons recorded on self_healing audit entries. Budget stops carry
// machine-readable HEAL_* codes; policy stops use the fixed lowercase forms
// operators already alert on.
const (
	StopResolved    = "resolved"
	StopDisabled    = "healing_disabled"
	StopSafetyCode  = "safety_code_blocked"
	StopHumanReview = "human_review_required"
	StopMaxAttempts = "HEAL_MAX_ATTEMPTS"
	StopMaxSteps    = "HEAL_MAX_STEPS"
	StopMaxSeconds  = "HEAL_MAX_SECONDS"
	StopSameError   = "HEAL_SAME_ERROR"
	StopNoChange    = "HEAL_NO_MEANINGFUL_CHANGE"
)

// RetryStepCost is the step charge for one scheduled retry: the stage the
// feedback action re-enters plus the gate re-pass.
const RetryStepCost = 2

// Budget is the guardrail set for one decision's healing session. Every
// limit stops the loop independently.
type Budget struct {
	MaxAttempts  int
	MaxSteps     int
	MaxSeconds   float64
	MaxSameError int
}

// DefaultBudget returns the stock guardrails.
func DefaultBudget() Budget {
	return Budget{MaxAttempts: 3, MaxSteps: 6, MaxSeconds: 20.0, MaxSameError: 2}
}

// BudgetFromConfig maps the environment-derived limits onto a Budget.
func BudgetFromConfig(cfg *config.Config) Budget {
	if cfg == nil {
		return DefaultBudget()
	}
	return Budget{
		MaxAttempts:  cfg.MaxHealingAttempts,
		MaxSteps:     cfg.HealingMaxSteps,
		MaxSeconds:   cfg.HealingMaxSeconds,
		MaxSameError: cfg.HealingMaxSameError,
	}
}

// Input is the payload a retry re-enters the pipeline with. It is appended
// to the request context as context.healing.input; the original user query
// is never rewritten.
type Input struct {
	OriginalTask   string         `json:"original_task"`
	LastOutput     map[string]any `json:"last_output"`
	Rejection      map[string]any `json:"rejection"`
	Attempt        int            `json:"attempt"`
	PolicyDecision string         `json:"policy_decision"`
}

// Signature hashes the canonical JSON form of the input with Attempt zeroed,
// so two attempts that differ only in their counter compare equal. The
// no-change guardrail keys off this.
func (in Input) Signature() (string, error) {
	in.Attempt = 0
	sig, err := canonicaljson.Hash(in)
	if err != nil {
		return "", fmt.Errorf("healing: input signature: %w", err)
	}
	return sig, nil
}

// State is one session's progress record. It only moves through Advance,
// after a retry has actually been scheduled, so a blocked evaluation leaves
// no trace on the counters.
type State struct {
	Attempt            int       `json:"attempt"`
	StepsUsed          int       `json:"steps_used"`
	StartTime          time.Time `json:"start_time"`
	LastErrorCode      string    `json:"last_error_code,omitempty"`
	SameErrorCount     int       `json:"same_error_count"`
	LastInputSignature string    `json:"last_input_signature,omitempty"`
}

// Remaining is the budget headroom reported on audit entries.
type Remaining struct {
	Attempts int     `json:"attempts"`
	Steps    int     `json:"steps"`
	Seconds  float64 `json:"seconds"`
}

// Outcome is the verdict for one rejection.
type Outcome struct {
	// Retry reports whether the loop may schedule another pass.
	Retry bool
	// Action is the feedback action driving the retry (or HUMAN_REVIEW
	// when blocked).
	Action string
	// Hint is the registry's recovery hint, when the code is known.
	Hint string
	// StopReason is set when Retry is false.
	StopReason string
	// Signature is the evaluated input's signature, echoed so Advance can
	// commit it without recomputing.
	Signature string
}

// Resolve returns the feedback action for a rejection code and whether the
// loop may auto-retry it. Unknown codes route to human review.
func Resolve(reg *fuji.Registry, code string) (action string, retryable bool) {
	if fuji.LayerOf(code) == fuji.LayerSafetySecurity {
		return fuji.ActionHumanReview, false
	}
	if reg != nil {
		if c, ok := reg.Lookup(code); ok {
			return c.Feedback.Action, c.Feedback.Action != fuji.ActionHumanReview
		}
	}
	return fuji.ActionHumanReview, false
}

// Enabled resolves the healing switch for one request. The environment
// default can be turned off per request via context.self_healing_enabled,
// never on.
func Enabled(envDefault bool, reqContext map[string]any) bool {
	if !envDefault {
		return false
	}
	if v, ok := reqContext["self_healing_enabled"].(bool); ok && !v {
		return false
	}
	return true
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Session) { s.now = fn }
}

// Session tracks the healing loop for a single decision.
//
// Invariants:
//  1. attempts never exceed MaxAttempts and steps never exceed MaxSteps.
//  2. elapsed wall-clock stays within MaxSeconds at retry time.
//  3. a consecutive run of the same rejection code stays strictly below
//     MaxSameError.
//  4. an input whose signature equals the previous attempt's is never
//     retried.
//  5. Evaluate never mutates state; only Advance does, and only for
//     outcomes that permit a retry.
type Session struct {
	reg     *fuji.Registry
	budget  Budget
	enabled bool
	now     func() time.Time
	state   State
}

// NewSession starts a session whose wall-clock budget begins now.
func NewSession(reg *fuji.Registry, budget Budget, enabled bool, opts ...Option) *Session {
	s := &Session{reg: reg, budget: budget, enabled: enabled, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.state.StartTime = s.now().UTC()
	return s
}

// State returns a copy of the progress record.
func (s *Session) State() State { return s.state }

// Enabled reports whether this session may heal at all.
func (s *Session) Enabled() bool { return s.enabled }

// Remaining returns the current budget headroom, floored at zero.
func (s *Session) Remaining() Remaining {
	elapsed := s.now().Sub(s.state.StartTime).Seconds()
	return Remaining{
		Attempts: maxInt(0, s.budget.MaxAttempts-s.state.Attempt),
		Steps:    maxInt(0, s.budget.MaxSteps-s.state.StepsUsed),
		Seconds:  math.Max(0, round3(s.budget.MaxSeconds-elapsed)),
	}
}

// Evaluate decides whether the given rejection may be retried. Checks run
// fail-closed in a fixed order:
//
//  1. the healing switch,
//  2. the per-code policy (safety codes and human-review codes never retry),
//  3. the attempt ceiling,
//  4. the step ceiling,
//  5. the wall-clock ceiling,
//  6. the consecutive-same-error run,
//  7. the no-meaningful-change signature.
//
// The returned error is non-nil only when the input cannot be serialized
// for signing; callers should treat that as a stop.
func (s *Session) Evaluate(code string, in Input) (Outcome, error) {
	action, retryable := Resolve(s.reg, code)
	out := Outcome{Action: action}
	if s.reg != nil {
		if c, ok := s.reg.Lookup(code); ok {
			out.Hint = c.Feedback.Hint
		}
	}

	if !s.enabled {
		out.StopReason = StopDisabled
		return out, nil
	}
	if !retryable {
		if fuji.LayerOf(code) == fuji.LayerSafetySecurity {
			out.StopReason = StopSafetyCode
		} else {
			out.StopReason = StopHumanReview
		}
		return out, nil
	}
	if s.state.Attempt+1 > s.budget.MaxAttempts {
		out.StopReason = StopMaxAttempts
		return out, nil
	}
	if s.state.StepsUsed+RetryStepCost > s.budget.MaxSteps {
		out.StopReason = StopMaxSteps
		return out, nil
	}
	if s.now().Sub(s.state.StartTime).Seconds() >= s.budget.MaxSeconds {
		out.StopReason = StopMaxSeconds
		return out, nil
	}
	if s.sameErrorRun(code) >= s.budget.MaxSameError {
		out.StopReason = StopSameError
		return out, nil
	}
	sig, err := in.Signature()
	if err != nil {
		return out, err
	}
	out.Signature = sig
	if s.state.LastInputSignature != "" && sig == s.state.LastInputSignature {
		out.StopReason = StopNoChange
		return out, nil
	}
	out.Retry = true
	return out, nil
}

// Advance commits the session state for a retry Evaluate approved. It is a
// no-op for blocked outcomes.
func (s *Session) Advance(code string, out Outcome) {
	if !out.Retry {
		return
	}
	s.state.Attempt++
	s.state.StepsUsed += RetryStepCost
	s.state.SameErrorCount = s.sameErrorRun(code)
	s.state.LastErrorCode = code
	s.state.LastInputSignature = out.Signature
}

// sameErrorRun is the consecutive-run length the given code would reach.
func (s *Session) sameErrorRun(code string) int {
	if code == s.state.LastErrorCode {
		return s.state.SameErrorCount + 1
	}
	return 1
}

// Report is the surface shared by the audit entry and extras.self_healing.
type Report struct {
	Enabled         bool      `json:"enabled"`
	Attempts        int       `json:"attempts"`
	StopReason      string    `json:"stop_reason,omitempty"`
	DiffSummary     string    `json:"diff_summary,omitempty"`
	BudgetRemaining Remaining `json:"budget_remaining"`
}

// Report snapshots the session for emission when the loop stops.
func (s *Session) Report(stopReason, diffSummary string) Report {
	return Report{
		Enabled:         s.enabled,
		Attempts:        s.state.Attempt,
		StopReason:      stopReason,
		DiffSummary:     diffSummary,
		BudgetRemaining: s.Remaining(),
	}
}

// diffFields is the fixed comparison order for DiffSummary. Attempt is
// excluded for the same reason it is excluded from signatures.
var diffFields = []struct {
	name string
	get  func(Input) any
}{
	{"original_task", func(in Input) any { return in.OriginalTask }},
	{"last_output", func(in Input) any { return in.LastOutput }},
	{"rejection", func(in Input) any { return in.Rejection }},
	{"policy_decision", func(in Input) any { return in.PolicyDecision }},
}

// DiffSummary names the input fields that changed between two attempts as
// "changed_fields:a,b" in the fixed field order, or "changed_fields:none".
func DiffSummary(prev, next Input) string {
	var changed []string
	for _, f := range diffFields {
		if !canonicalEqual(f.get(prev), f.get(next)) {
			changed = append(changed, f.name)
		}
	}
	if len(changed) == 0 {
		return "changed_fields:none"
	}
	return "changed_fields:" + strings.Join(changed, ",")
}

// canonicalEqual compares two values by their canonical JSON bytes. A value
// that cannot be serialized is treated as changed.
func canonicalEqual(a, b any) bool {
	ca, errA := canonicaljson.MarshalString(a)
	cb, errB := canonicaljson.MarshalString(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
