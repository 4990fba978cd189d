package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/llm"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
)

// DebateInput is one debate round's parameters. Exclude carries option ids
// flagged in earlier healing rounds, mapped to the exclusion reason; a
// RE-DEBATE retry unseats the previous chosen through it.
type DebateInput struct {
	Query     string
	Options   []Option
	HardBlock []string
	Stakes    float64
	Seed      int64
	Fast      bool
	Exclude   map[string]string
}

// DebateResult is the debate outcome. Alternatives holds every candidate
// with verdicts and notes attached, the chosen included; Degraded marks the
// synthesized fallback chosen used when the debate rejected everything.
type DebateResult struct {
	Chosen       Option
	Alternatives []Option
	RiskFlag     bool
	Degraded     bool
}

// Debater runs the role round (architect, critic, safety, judge) and the
// optional model-backed deep round, then selects the chosen option. Fast
// mode skips both rounds and keeps only banding and selection.
type Debater struct {
	client llm.Client
	logger *slog.Logger
}

// NewDebater wires the debate stage. A nil client disables the deep round.
func NewDebater(client llm.Client, logger *slog.Logger) *Debater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debater{client: client, logger: logger}
}

const debateSystem = `You are a review panel (architect, critic, safety) examining decision candidates.
Respond with STRICT JSON only, no prose:
{"findings": [{"id": "<option id>", "risk": <float 0.0-1.0>, "note": "<one short sentence>"}]}
Report only options with a concrete concern. An empty findings list is valid.`

type debateFinding struct {
	ID   string  `json:"id"`
	Risk float64 `json:"risk"`
	Note string  `json:"note"`
}

// Run debates the candidates and picks the chosen. Blocked and rejected
// options never win; when nothing survives, a degraded fallback option is
// synthesized so the caller still receives a chosen.
func (d *Debater) Run(ctx context.Context, in DebateInput) DebateResult {
	opts := make([]Option, len(in.Options))
	copy(opts, in.Options)

	for i := range opts {
		opt := &opts[i]
		if reason, excluded := in.Exclude[opt.ID]; excluded {
			blockOption(opt, RoleSafety, reason)
			continue
		}
		if opt.Blocked {
			blockOption(opt, RoleSafety, "blocked before debate")
			continue
		}
		if kw, hit := sanitize.ContainsAny(opt.Title+" "+opt.Description, in.HardBlock); hit {
			blockOption(opt, RoleSafety, "banned keyword: "+sanitize.Mask(kw))
			continue
		}
	}

	if !in.Fast {
		for i := range opts {
			if !opts[i].Blocked {
				d.roleRound(&opts[i], in.Stakes)
			}
		}
		d.deepRound(ctx, in, opts)
	}

	for i := range opts {
		if opts[i].Blocked {
			continue
		}
		opts[i].Verdict = bandVerdict(opts[i].Score)
		if !in.Fast {
			opts[i].Debate = append(opts[i].Debate, RoleNote{
				Role:   RoleJudge,
				Stance: judgeStance(opts[i].Verdict),
				Note:   "verdict " + opts[i].Verdict,
			})
		}
	}

	chosen, ok := selectChosen(opts)
	if !ok {
		fallback := degradedOption()
		opts = append(opts, fallback)
		d.logger.Warn("debate: all candidates rejected, degrading to fallback chosen",
			slog.Int("candidates", len(in.Options)))
		return DebateResult{Chosen: fallback, Alternatives: opts, Degraded: true}
	}

	return DebateResult{
		Chosen:       chosen,
		Alternatives: opts,
		RiskFlag:     riskFlagged(chosen),
	}
}

// roleRound appends the architect, critic, and safety notes for one option.
func (d *Debater) roleRound(opt *Option, stakes float64) {
	if opt.Description != "" || opt.Why != "" {
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleArchitect, Stance: StanceSupport,
			Note: "actionable with stated rationale",
		})
	} else {
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleArchitect, Stance: StanceConcern,
			Note: "no supporting detail",
		})
	}

	switch {
	case opt.Risk >= 0.5:
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleCritic, Stance: StanceConcern,
			Note: "step risk above critique threshold", Risk: opt.Risk,
		})
	case opt.Description == "" && opt.Why == "":
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleCritic, Stance: StanceConcern,
			Note: "unsupported claim",
		})
	default:
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleCritic, Stance: StanceSupport,
			Note: "no material objection",
		})
	}

	switch {
	case opt.Risk >= 0.8:
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleSafety, Stance: StanceBlock,
			Note: "intrinsic risk at block level", Risk: opt.Risk,
		})
		opt.Blocked = true
		opt.Verdict = VerdictReject
	case opt.Risk >= 0.5 || stakes >= 0.8:
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleSafety, Stance: StanceConcern,
			Note: "elevated risk for the stated stakes", Risk: maxFloat(opt.Risk, 0.6),
		})
	default:
		opt.Debate = append(opt.Debate, RoleNote{
			Role: RoleSafety, Stance: StanceSupport,
			Note: "within tolerance",
		})
	}
}

// deepRound asks the model panel for findings and merges them as safety
// notes. Failures leave the heuristic notes standing; a finding at or above
// 0.8 blocks the option outright.
func (d *Debater) deepRound(ctx context.Context, in DebateInput, opts []Option) {
	if d.client == nil {
		return
	}

	resp, err := d.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: debateSystem},
		{Role: "user", Content: debateUser(in.Query, opts)},
	}, &llm.SamplingOptions{Temperature: 0, Seed: in.Seed, MaxTokens: 800, ForceJSON: true})
	if err != nil {
		d.logger.Warn("debate: deep round degraded", slog.String("error", err.Error()))
		return
	}
	payload, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		d.logger.Warn("debate: deep round returned no JSON")
		return
	}
	var out struct {
		Findings []debateFinding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		d.logger.Warn("debate: undecodable deep round", slog.String("error", err.Error()))
		return
	}

	byID := make(map[string]*Option, len(opts))
	for i := range opts {
		byID[opts[i].ID] = &opts[i]
	}
	for _, f := range out.Findings {
		opt, ok := byID[f.ID]
		if !ok || opt.Blocked {
			continue
		}
		risk := clamp01(f.Risk)
		note := RoleNote{Role: RoleSafety, Stance: StanceConcern, Note: f.Note, Risk: risk}
		if risk >= 0.8 {
			note.Stance = StanceBlock
			opt.Blocked = true
			opt.Verdict = VerdictReject
		}
		opt.Debate = append(opt.Debate, note)
		if risk > opt.Risk {
			opt.Risk = risk
		}
	}
}

func debateUser(query string, opts []Option) string {
	var b strings.Builder
	b.WriteString("goal: ")
	b.WriteString(query)
	for _, opt := range opts {
		if opt.Blocked {
			continue
		}
		fmt.Fprintf(&b, "\noption %s (score %.2f): %s", opt.ID, opt.Score, opt.Title)
		if opt.Why != "" {
			fmt.Fprintf(&b, " — %s", opt.Why)
		}
	}
	return b.String()
}

// bandVerdict maps a value score to its verdict band.
func bandVerdict(score float64) string {
	switch {
	case score >= 0.6:
		return VerdictAdopt
	case score >= 0.3:
		return VerdictReview
	default:
		return VerdictReject
	}
}

func judgeStance(verdict string) string {
	switch verdict {
	case VerdictAdopt:
		return StanceSupport
	case VerdictReview:
		return StanceConcern
	default:
		return StanceBlock
	}
}

// selectChosen picks the highest-score candidate that is neither blocked
// nor rejected. Ties keep input order, so repeated runs over the same
// candidates choose the same option.
func selectChosen(opts []Option) (Option, bool) {
	best := -1
	for i, opt := range opts {
		if opt.Blocked || opt.Verdict == VerdictReject {
			continue
		}
		if best == -1 || opt.Score > opts[best].Score {
			best = i
		}
	}
	if best == -1 {
		return Option{}, false
	}
	return opts[best], true
}

// riskFlagged reports whether the debate itself flagged the chosen option:
// a block note, or a concern at or above 0.6. The gate recolors an illicit
// deny to the re-debatable code when this is set.
func riskFlagged(chosen Option) bool {
	for _, note := range chosen.Debate {
		if note.Role != RoleSafety {
			continue
		}
		if note.Stance == StanceBlock {
			return true
		}
		if note.Stance == StanceConcern && note.Risk >= 0.6 {
			return true
		}
	}
	return false
}

// blockOption marks an option out of contention before the role round.
func blockOption(opt *Option, role, reason string) {
	opt.Blocked = true
	opt.Verdict = VerdictReject
	opt.Debate = append(opt.Debate, RoleNote{Role: role, Stance: StanceBlock, Note: reason})
}

// degradedOption is the synthesized chosen when the debate rejects every
// candidate: a deferral, never an action.
func degradedOption() Option {
	return Option{
		ID:       "fallback-safe-hold",
		Title:    "Defer and re-plan with safer alternatives",
		Why:      "every candidate was rejected in debate",
		Score:    0.35,
		ScoreRaw: 0.35,
		Verdict:  VerdictReview,
		Debate: []RoleNote{{
			Role:   RoleJudge,
			Stance: StanceConcern,
			Note:   "degraded fallback, no surviving candidate",
		}},
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
