// Package pipeline runs the fixed decision flow: evidence collection,
// planning, value scoring, debate, the FUJI gate, and the self-healing
// retry loop, in that order. Stages degrade (fallback plans, heuristic
// verdicts) but never reorder, and every terminal outcome is persisted to
// the trust log with a deterministic-replay block before the caller sees
// it.
package pipeline

import (
	"encoding/json"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/evidence"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/healing"
)

// Request is the decision request handed to the pipeline after admission.
// Evidence keeps its decoded nil-ness: a request that never carried an
// evidence field is a pre-check and skips the low-evidence rule, while an
// explicit empty list is an under-evidenced decision.
type Request struct {
	Query     string          `json:"query"`
	Context   map[string]any  `json:"context,omitempty"`
	Options   []Option        `json:"options,omitempty"`
	Evidence  []evidence.Item `json:"evidence,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	FastMode  bool            `json:"fast_mode,omitempty"`
	Seed      *int64          `json:"seed,omitempty"`
}

// Debate verdicts. The bands are fixed: score >= 0.6 adopts, 0.3 up to 0.6
// asks for review, below 0.3 rejects.
const (
	VerdictAdopt  = "採用推奨"
	VerdictReview = "要検討"
	VerdictReject = "却下"
)

// Debate roles, in speaking order.
const (
	RoleArchitect = "architect"
	RoleCritic    = "critic"
	RoleSafety    = "safety"
	RoleJudge     = "judge"
)

// Stances a role note can take.
const (
	StanceSupport = "support"
	StanceConcern = "concern"
	StanceBlock   = "block"
)

// RoleNote is one role's finding about one option.
type RoleNote struct {
	Role   string  `json:"role"`
	Stance string  `json:"stance"`
	Note   string  `json:"note"`
	Risk   float64 `json:"risk,omitempty"`
}

// Option is one candidate alternative as it moves through the stages.
// ScoreRaw is the pre-value-core weighted average; Score is what selection
// and governance read.
type Option struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Why         string     `json:"why,omitempty"`
	ETAHours    float64    `json:"eta_hours,omitempty"`
	Risk        float64    `json:"risk,omitempty"`
	Score       float64    `json:"score"`
	ScoreRaw    float64    `json:"score_raw,omitempty"`
	Verdict     string     `json:"verdict,omitempty"`
	Blocked     bool       `json:"blocked,omitempty"`
	Debate      []RoleNote `json:"debate,omitempty"`
}

// GateResult is the compact gate summary surfaced next to the full FUJI
// decision.
type GateResult struct {
	Status     string   `json:"status"`
	Reasons    []string `json:"reasons"`
	Violations []string `json:"violations"`
	Risk       float64  `json:"risk"`
}

// MemoryMeta mirrors the memory layer's context block. The fast flag is
// present on every response, true only when the request ran in fast mode.
type MemoryMeta struct {
	Context MemoryMetaContext `json:"context"`
}

// MemoryMetaContext is the context sub-block of MemoryMeta.
type MemoryMetaContext struct {
	Fast bool `json:"fast"`
}

// ReplayBlock captures everything a byte-faithful re-execution needs. It is
// persisted on the decision entry and echoed in extras.
type ReplayBlock struct {
	Seed        int64           `json:"seed"`
	Temperature float64         `json:"temperature"`
	RequestBody json.RawMessage `json:"request_body"`
	FinalOutput map[string]any  `json:"final_output"`
}

// Extras is the response envelope's extension block. FastMode, Metrics, and
// MemoryMeta are always populated, zero-valued when a stage was skipped, so
// downstream consumers never branch on key presence.
type Extras struct {
	FastMode    bool              `json:"fast_mode"`
	Metrics     evidence.Stats    `json:"metrics"`
	MemoryMeta  MemoryMeta        `json:"memory_meta"`
	Plan        *Plan             `json:"plan,omitempty"`
	SelfHealing *healing.Report   `json:"self_healing,omitempty"`
	Replay      *ReplayBlock      `json:"deterministic_replay,omitempty"`
	Discarded   []DiscardedOption `json:"discarded_options,omitempty"`
	Governance  *GovernanceExtras `json:"governance,omitempty"`
}

// GovernanceExtras surfaces the post-decision value drift reading.
type GovernanceExtras struct {
	ValueEMA float64 `json:"value_ema"`
	Drift    float64 `json:"drift"`
	Alarm    bool    `json:"alarm"`
}

// Response is the decision envelope. Chosen is never nil on a 200: when the
// debate rejects every candidate a degraded fallback option takes its
// place. Alternatives and Evidence are never null, only possibly empty.
type Response struct {
	RequestID      string          `json:"request_id"`
	DecisionID     string          `json:"decision_id"`
	DecisionStatus string          `json:"decision_status"`
	Chosen         *Option         `json:"chosen"`
	Alternatives   []Option        `json:"alternatives"`
	Evidence       []evidence.Item `json:"evidence"`
	Gate           GateResult      `json:"gate"`
	Fuji           *fuji.Decision  `json:"fuji,omitempty"`
	Rejection      *fuji.Rejection `json:"rejection,omitempty"`
	TrustLogID     string          `json:"trust_log_id"`
	Extras         Extras          `json:"extras"`
}

// ensureEnvelope pins the contract fields that must never be null.
func (r *Response) ensureEnvelope() {
	if r.Alternatives == nil {
		r.Alternatives = []Option{}
	}
	if r.Evidence == nil {
		r.Evidence = []evidence.Item{}
	}
	for i := range r.Alternatives {
		if r.Alternatives[i].Debate == nil {
			r.Alternatives[i].Debate = []RoleNote{}
		}
	}
	r.Extras.MemoryMeta.Context.Fast = r.Extras.FastMode
	r.Extras.Metrics.FastMode = r.Extras.FastMode
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
