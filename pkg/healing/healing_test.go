package healing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/healing"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func sampleInput(attempt int, summary string) healing.Input {
	return healing.Input{
		OriginalTask:   "在庫の棚卸し手順を計画して",
		LastOutput:     map[string]any{"summary": summary},
		Rejection:      map[string]any{"code": fuji.CodeDebateRiskFlag, "reason": "risk flag"},
		Attempt:        attempt,
		PolicyDecision: fuji.ActionReDebate,
	}
}

func newSession(t *testing.T, budget healing.Budget, enabled bool) (*healing.Session, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	return healing.NewSession(fuji.NewRegistry(), budget, enabled, healing.WithClock(clk.Now)), clk
}

func TestResolve_PolicyTable(t *testing.T) {
	reg := fuji.NewRegistry()
	cases := []struct {
		code      string
		action    string
		retryable bool
	}{
		{fuji.CodeEvidenceMissing, fuji.ActionRequestEvidence, true},
		{fuji.CodeLowEvidence, fuji.ActionRequestEvidence, true},
		{fuji.CodeWeakGrounding, fuji.ActionReCritique, true},
		{fuji.CodeDebateRiskFlag, fuji.ActionReDebate, true},
		{fuji.CodePlanContradiction, fuji.ActionReDebate, true},
		{fuji.CodeValueMisalignment, fuji.ActionHumanReview, false},
		{fuji.CodeGovernanceConflict, fuji.ActionHumanReview, false},
		{fuji.CodeIllicitContent, fuji.ActionHumanReview, false},
		{fuji.CodePIIExposure, fuji.ActionHumanReview, false},
		{fuji.CodePromptInjection, fuji.ActionHumanReview, false},
		{fuji.CodeHarmRisk, fuji.ActionHumanReview, false},
		{"F-4999", fuji.ActionHumanReview, false}, // unregistered safety code
		{"F-2999", fuji.ActionHumanReview, false}, // unregistered logic code
		{"not-a-code", fuji.ActionHumanReview, false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			action, retryable := healing.Resolve(reg, tc.code)
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.retryable, retryable)
		})
	}
}

// Invariant: safety layer codes never retry, even when the loaded registry
// would declare a retryable action for them.
func TestResolve_SafetyLayerOverridesRegistry(t *testing.T) {
	action, retryable := healing.Resolve(nil, "F-4001")
	assert.Equal(t, fuji.ActionHumanReview, action)
	assert.False(t, retryable)
}

func TestSession_SafetyCodeBlocked(t *testing.T) {
	s, _ := newSession(t, healing.DefaultBudget(), true)

	out, err := s.Evaluate(fuji.CodeIllicitContent, sampleInput(1, "first"))
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, healing.StopSafetyCode, out.StopReason)
	assert.Equal(t, fuji.ActionHumanReview, out.Action)

	// A blocked evaluation leaves the counters untouched.
	s.Advance(fuji.CodeIllicitContent, out)
	assert.Equal(t, 0, s.State().Attempt)

	rep := s.Report(out.StopReason, "")
	assert.True(t, rep.Enabled)
	assert.Equal(t, 0, rep.Attempts)
	assert.Equal(t, healing.StopSafetyCode, rep.StopReason)
	assert.Equal(t, 3, rep.BudgetRemaining.Attempts)
}

func TestSession_HumanReviewCodesNeverRetry(t *testing.T) {
	s, _ := newSession(t, healing.DefaultBudget(), true)
	for _, code := range []string{fuji.CodeValueMisalignment, fuji.CodeGovernanceConflict, "F-9999x"} {
		out, err := s.Evaluate(code, sampleInput(1, "first"))
		require.NoError(t, err)
		assert.False(t, out.Retry, code)
		assert.Equal(t, healing.StopHumanReview, out.StopReason, code)
	}
}

func TestSession_DisabledStopsFirst(t *testing.T) {
	s, _ := newSession(t, healing.DefaultBudget(), false)
	out, err := s.Evaluate(fuji.CodeDebateRiskFlag, sampleInput(1, "first"))
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, healing.StopDisabled, out.StopReason)
	assert.False(t, s.Report(out.StopReason, "").Enabled)
}

func TestEnabled_ContextCanOnlyDisable(t *testing.T) {
	assert.True(t, healing.Enabled(true, nil))
	assert.True(t, healing.Enabled(true, map[string]any{"self_healing_enabled": true}))
	assert.False(t, healing.Enabled(true, map[string]any{"self_healing_enabled": false}))
	assert.False(t, healing.Enabled(false, map[string]any{"self_healing_enabled": true}))
	// Non-boolean values are ignored rather than guessed at.
	assert.True(t, healing.Enabled(true, map[string]any{"self_healing_enabled": "false"}))
}

// Invariant: one risk-flag rejection is retried via RE-DEBATE and the diff
// summary names exactly the fields the retry changed.
func TestSession_RetryThenResolved(t *testing.T) {
	s, _ := newSession(t, healing.DefaultBudget(), true)

	first := sampleInput(1, "第一案")
	out, err := s.Evaluate(fuji.CodeDebateRiskFlag, first)
	require.NoError(t, err)
	require.True(t, out.Retry)
	assert.Equal(t, fuji.ActionReDebate, out.Action)
	assert.NotEmpty(t, out.Hint)
	assert.NotEmpty(t, out.Signature)

	s.Advance(fuji.CodeDebateRiskFlag, out)
	st := s.State()
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, healing.RetryStepCost, st.StepsUsed)
	assert.Equal(t, fuji.CodeDebateRiskFlag, st.LastErrorCode)
	assert.Equal(t, 1, st.SameErrorCount)
	assert.Equal(t, out.Signature, st.LastInputSignature)

	second := sampleInput(2, "第二案")
	second.Rejection = nil
	diff := healing.DiffSummary(first, second)
	assert.Equal(t, "changed_fields:last_output,rejection", diff)

	rep := s.Report(healing.StopResolved, diff)
	assert.True(t, rep.Enabled)
	assert.Equal(t, 1, rep.Attempts)
	assert.Equal(t, healing.StopResolved, rep.StopReason)
	assert.Equal(t, "changed_fields:last_output,rejection", rep.DiffSummary)
	assert.Equal(t, 2, rep.BudgetRemaining.Attempts)
	assert.Equal(t, 4, rep.BudgetRemaining.Steps)
}

func TestSession_MaxAttempts(t *testing.T) {
	s, _ := newSession(t, healing.DefaultBudget(), true)

	// Rotate codes and inputs so only the attempt ceiling can stop the loop.
	codes := []string{fuji.CodeLowEvidence, fuji.CodeWeakGrounding, fuji.CodeDebateRiskFlag}
	for i, code := range codes {
		out, err := s.Evaluate(code, sampleInput(i+1, string(rune('a'+i))))
		require.NoError(t, err)
		require.True(t, out.Retry, "attempt %d", i+1)
		s.Advance(code, out)
	}

	out, err := s.Evaluate(fuji.CodePlanContradiction, sampleInput(4, "d"))
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, healing.StopMaxAttempts, out.StopReason)
	assert.Equal(t, 0, s.Remaining().Attempts)
	assert.Equal(t, 0, s.Remaining().Steps)
}

func TestSession_MaxSteps(t *testing.T) {
	budget := healing.Budget{MaxAttempts: 10, MaxSteps: 4, MaxSeconds: 20, MaxSameError: 5}
	s, _ := newSession(t, budget, true)

	codes := []string{fuji.CodeLowEvidence, fuji.CodeWeakGrounding}
	for i, code := range codes {
		out, err := s.Evaluate(code, sampleInput(i+1, string(rune('a'+i))))
		require.NoError(t, err)
		require.True(t, out.Retry)
		s.Advance(code, out)
	}

	out, err := s.Evaluate(fuji.CodeDebateRiskFlag, sampleInput(3, "c"))
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, healing.StopMaxSteps, out.StopReason)
}

func TestSession_WallClockBudget(t *testing.T) {
	s, clk := newSession(t, healing.DefaultBudget(), true)

	clk.Advance(19 * time.Second)
	out, err := s.Evaluate(fuji.CodeLowEvidence, sampleInput(1, "a"))
	require.NoError(t, err)
	assert.True(t, out.Retry)
	s.Advance(fuji.CodeLowEvidence, out)

	clk.Advance(2 * time.Second)
	out, err = s.Evaluate(fuji.CodeWeakGrounding, sampleInput(2, "b"))
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, healing.StopMaxSeconds, out.StopReason)
	assert.Equal(t, 0.0, s.Remaining().Seconds)
}

// Invariant: a consecutive run of one code stays strictly below the limit;
// an interleaved different code resets the run.
func TestSession_SameErrorRun(t *testing.T) {
	s, _ := newSession(t, healing.DefaultBudget(), true)

	out, err := s.Evaluate(fuji.CodeLowEvidence, sampleInput(1, "a"))
	require.NoError(t, err)
	require.True(t, out.Retry)
	s.Advance(fuji.CodeLowEvidence, out)

	out, err = s.Evaluate(fuji.CodeLowEvidence, sampleInput(2, "b"))
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, healing.StopSameError, out.StopReason)

	s2, _ := newSession(t, healing.DefaultBudget(), true)
	sequence := []string{fuji.CodeLowEvidence, fuji.CodeWeakGrounding, fuji.CodeLowEvidence}
	for i, code := range sequence {
		out, err := s2.Evaluate(code, sampleInput(i+1, string(rune('a'+i))))
		require.NoError(t, err)
		assert.True(t, out.Retry, "step %d (%s)", i+1, code)
		s2.Advance(code, out)
	}
	assert.Equal(t, 1, s2.State().SameErrorCount)
}

func TestInput_SignatureIgnoresAttempt(t *testing.T) {
	a := sampleInput(1, "same")
	b := sampleInput(2, "same")
	sigA, err := a.Signature()
	require.NoError(t, err)
	sigB, err := b.Signature()
	require.NoError(t, err)
	assert.Equal(t, sigA, sigB)

	c := sampleInput(1, "same")
	c.Rejection = map[string]any{"code": fuji.CodeLowEvidence}
	sigC, err := c.Signature()
	require.NoError(t, err)
	assert.NotEqual(t, sigA, sigC)
}

func TestSession_NoMeaningfulChange(t *testing.T) {
	budget := healing.Budget{MaxAttempts: 5, MaxSteps: 20, MaxSeconds: 60, MaxSameError: 5}
	s, _ := newSession(t, budget, true)

	out, err := s.Evaluate(fuji.CodeDebateRiskFlag, sampleInput(1, "same"))
	require.NoError(t, err)
	require.True(t, out.Retry)
	s.Advance(fuji.CodeDebateRiskFlag, out)

	// Second attempt carries an identical payload; only the counter moved.
	out, err = s.Evaluate(fuji.CodeDebateRiskFlag, sampleInput(2, "same"))
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.Equal(t, healing.StopNoChange, out.StopReason)
	assert.Equal(t, 1, s.State().Attempt)
}

func TestSession_Remaining(t *testing.T) {
	s, clk := newSession(t, healing.DefaultBudget(), true)

	rem := s.Remaining()
	assert.Equal(t, 3, rem.Attempts)
	assert.Equal(t, 6, rem.Steps)
	assert.Equal(t, 20.0, rem.Seconds)

	clk.Advance(5 * time.Second)
	out, err := s.Evaluate(fuji.CodeLowEvidence, sampleInput(1, "a"))
	require.NoError(t, err)
	s.Advance(fuji.CodeLowEvidence, out)

	rem = s.Remaining()
	assert.Equal(t, 2, rem.Attempts)
	assert.Equal(t, 4, rem.Steps)
	assert.Equal(t, 15.0, rem.Seconds)
}

func TestBudgetFromConfig(t *testing.T) {
	assert.Equal(t, healing.DefaultBudget(), healing.BudgetFromConfig(nil))

	cfg := &config.Config{
		MaxHealingAttempts:  5,
		HealingMaxSteps:     12,
		HealingMaxSeconds:   30.5,
		HealingMaxSameError: 3,
	}
	b := healing.BudgetFromConfig(cfg)
	assert.Equal(t, 5, b.MaxAttempts)
	assert.Equal(t, 12, b.MaxSteps)
	assert.Equal(t, 30.5, b.MaxSeconds)
	assert.Equal(t, 3, b.MaxSameError)
}

func TestDiffSummary(t *testing.T) {
	base := sampleInput(1, "same")

	t.Run("attempt only", func(t *testing.T) {
		next := sampleInput(2, "same")
		assert.Equal(t, "changed_fields:none", healing.DiffSummary(base, next))
	})

	t.Run("single field", func(t *testing.T) {
		next := sampleInput(1, "same")
		next.OriginalTask = "別のタスク"
		assert.Equal(t, "changed_fields:original_task", healing.DiffSummary(base, next))
	})

	t.Run("fixed order", func(t *testing.T) {
		next := healing.Input{
			OriginalTask:   "別のタスク",
			LastOutput:     map[string]any{"summary": "other"},
			Rejection:      map[string]any{"code": fuji.CodeLowEvidence},
			Attempt:        9,
			PolicyDecision: fuji.ActionRequestEvidence,
		}
		assert.Equal(t,
			"changed_fields:original_task,last_output,rejection,policy_decision",
			healing.DiffSummary(base, next))
	})
}
