// Package fuji implements the safety gate: a three-stage assessment (rule
// screen, safety head, policy decision) that classifies every decision as
// allow, allow_with_warning, needs_human_review, or deny and emits
// standardized F-Lxxx rejection codes.
package fuji

import (
	"fmt"
	"regexp"
	"strconv"
)

// Severity levels carried by registry codes.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Feedback actions a code can recommend. The self-healing loop keys its
// per-code retry policy off these.
const (
	ActionRequestEvidence = "REQUEST_EVIDENCE"
	ActionReCritique      = "RE-CRITIQUE"
	ActionReDebate        = "RE-DEBATE"
	ActionHumanReview     = "HUMAN_REVIEW"
)

// Layers by code prefix: F-1xxx data & evidence, F-2xxx logic & debate,
// F-3xxx value & policy, F-4xxx safety & security.
const (
	LayerDataEvidence   = 1
	LayerLogicDebate    = 2
	LayerValuePolicy    = 3
	LayerSafetySecurity = 4
)

var layerNames = map[int]string{
	LayerDataEvidence:   "Data & Evidence",
	LayerLogicDebate:    "Logic & Debate",
	LayerValuePolicy:    "Value & Policy",
	LayerSafetySecurity: "Safety & Security",
}

// LayerName returns the human-readable layer label.
func LayerName(layer int) string {
	return layerNames[layer]
}

var reCode = regexp.MustCompile(`^F-([1-4])\d{3}$`)

// LayerOf parses the layer from a code string; 0 when the code is malformed.
func LayerOf(code string) int {
	m := reCode.FindStringSubmatch(code)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Feedback is the recovery recommendation attached to a code.
type Feedback struct {
	Action string `json:"action" yaml:"action"`
	Hint   string `json:"hint" yaml:"hint"`
}

// Code is one registry entry.
type Code struct {
	Code     string   `json:"code" yaml:"code"`
	Message  string   `json:"message" yaml:"message"`
	Detail   string   `json:"detail" yaml:"detail"`
	Layer    int      `json:"layer" yaml:"layer"`
	Severity string   `json:"severity" yaml:"severity"`
	Blocking bool     `json:"blocking" yaml:"blocking"`
	Feedback Feedback `json:"feedback" yaml:"feedback"`
}

// Well-known codes referenced directly by the gate and healing policy.
const (
	CodeEvidenceMissing    = "F-1001"
	CodeLowEvidence        = "F-1002"
	CodeWeakGrounding      = "F-1005"
	CodeDebateRiskFlag     = "F-2101"
	CodePlanContradiction  = "F-2203"
	CodeValueMisalignment  = "F-3001"
	CodeGovernanceConflict = "F-3008"
	CodeIllicitContent     = "F-4001"
	CodePIIExposure        = "F-4002"
	CodePromptInjection    = "F-4003"
	CodeHarmRisk           = "F-4004"
)

// defaultCodes is the built-in registry. External registries loaded from
// disk replace it wholesale after passing the same validation.
func defaultCodes() []Code {
	return []Code{
		{
			Code:     CodeEvidenceMissing,
			Message:  "no evidence collected",
			Detail:   "the decision flow produced no evidence items at all",
			Layer:    LayerDataEvidence,
			Severity: SeverityMedium,
			Blocking: false,
			Feedback: Feedback{Action: ActionRequestEvidence, Hint: "collect memory, web, or heuristic evidence before deciding"},
		},
		{
			Code:     CodeLowEvidence,
			Message:  "insufficient evidence",
			Detail:   "evidence count is below the configured minimum for this decision",
			Layer:    LayerDataEvidence,
			Severity: SeverityMedium,
			Blocking: false,
			Feedback: Feedback{Action: ActionRequestEvidence, Hint: "augment evidence from memory or web search and retry"},
		},
		{
			Code:     CodeWeakGrounding,
			Message:  "conclusion weakly grounded in evidence",
			Detail:   "the chosen option is not supported by the collected evidence",
			Layer:    LayerDataEvidence,
			Severity: SeverityLow,
			Blocking: false,
			Feedback: Feedback{Action: ActionReCritique, Hint: "re-run the critique round against the collected evidence"},
		},
		{
			Code:     CodeDebateRiskFlag,
			Message:  "debate produced a risk-flagged outcome",
			Detail:   "the chosen option tripped the risk screen during debate review",
			Layer:    LayerLogicDebate,
			Severity: SeverityMedium,
			Blocking: true,
			Feedback: Feedback{Action: ActionReDebate, Hint: "re-run the debate with the risk findings appended to context"},
		},
		{
			Code:     CodePlanContradiction,
			Message:  "plan steps contradict each other",
			Detail:   "two or more plan steps have incompatible preconditions or outcomes",
			Layer:    LayerLogicDebate,
			Severity: SeverityMedium,
			Blocking: true,
			Feedback: Feedback{Action: ActionReDebate, Hint: "re-debate the alternatives with the contradiction surfaced"},
		},
		{
			Code:     CodeValueMisalignment,
			Message:  "value alignment below floor",
			Detail:   "the telos alignment score is below the configured floor",
			Layer:    LayerValuePolicy,
			Severity: SeverityHigh,
			Blocking: true,
			Feedback: Feedback{Action: ActionHumanReview, Hint: "route to an operator; value conflicts are never auto-retried"},
		},
		{
			Code:     CodeGovernanceConflict,
			Message:  "governance rule violation",
			Detail:   "a governance guard rule blocked this decision",
			Layer:    LayerValuePolicy,
			Severity: SeverityHigh,
			Blocking: true,
			Feedback: Feedback{Action: ActionHumanReview, Hint: "review the governance policy document and the fired rule"},
		},
		{
			Code:     CodeIllicitContent,
			Message:  "illicit content detected",
			Detail:   "a hard-block keyword or illicit category exceeded the deny threshold",
			Layer:    LayerSafetySecurity,
			Severity: SeverityHigh,
			Blocking: true,
			Feedback: Feedback{Action: ActionHumanReview, Hint: "safety denials require operator review; do not retry"},
		},
		{
			Code:     CodePIIExposure,
			Message:  "personal information detected",
			Detail:   "unmasked PII was found in the decision text",
			Layer:    LayerSafetySecurity,
			Severity: SeverityMedium,
			Blocking: true,
			Feedback: Feedback{Action: ActionHumanReview, Hint: "mask personal data before resubmitting"},
		},
		{
			Code:     CodePromptInjection,
			Message:  "prompt injection pattern detected",
			Detail:   "the input contains instruction-override or prompt-probe patterns",
			Layer:    LayerSafetySecurity,
			Severity: SeverityMedium,
			Blocking: true,
			Feedback: Feedback{Action: ActionHumanReview, Hint: "inspect the raw request; injection attempts are never retried"},
		},
		{
			Code:     CodeHarmRisk,
			Message:  "harm risk above threshold",
			Detail:   "the safety head classified the content as a harm risk",
			Layer:    LayerSafetySecurity,
			Severity: SeverityHigh,
			Blocking: true,
			Feedback: Feedback{Action: ActionHumanReview, Hint: "safety denials require operator review; do not retry"},
		},
	}
}

// validateCode checks the structural invariants of one entry.
func validateCode(c Code) error {
	layer := LayerOf(c.Code)
	if layer == 0 {
		return fmt.Errorf("fuji: code %q is not of the form F-Lxxx", c.Code)
	}
	if c.Layer != layer {
		return fmt.Errorf("fuji: code %s declares layer %d but prefix requires %d", c.Code, c.Layer, layer)
	}
	switch c.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return fmt.Errorf("fuji: code %s has invalid severity %q", c.Code, c.Severity)
	}
	if c.Severity == SeverityHigh && !c.Blocking {
		return fmt.Errorf("fuji: code %s is HIGH severity but not blocking", c.Code)
	}
	if layer == LayerSafetySecurity {
		if !c.Blocking {
			return fmt.Errorf("fuji: safety code %s must be blocking", c.Code)
		}
		if c.Severity == SeverityLow {
			return fmt.Errorf("fuji: safety code %s must be at least MEDIUM severity", c.Code)
		}
	}
	if c.Message == "" {
		return fmt.Errorf("fuji: code %s has an empty message", c.Code)
	}
	switch c.Feedback.Action {
	case ActionRequestEvidence, ActionReCritique, ActionReDebate, ActionHumanReview:
	default:
		return fmt.Errorf("fuji: code %s has unknown feedback action %q", c.Code, c.Feedback.Action)
	}
	if c.Code == CodeDebateRiskFlag && c.Feedback.Action != ActionReDebate {
		return fmt.Errorf("fuji: code %s must map to action %s", CodeDebateRiskFlag, ActionReDebate)
	}
	return nil
}
