package pipeline

import (
	"log/slog"
	"math"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/intent"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
)

// MaxTitleLength is the integrity cap on option titles, in runes.
const MaxTitleLength = 1000

// Discard reasons surfaced in extras.discarded_options.
const (
	DiscardEmptyTitle     = "empty_title"
	DiscardTitleTooLong   = "title_too_long"
	DiscardControlChars   = "control_chars"
	DiscardBannedKeyword  = "banned_keyword"
	DiscardIntentMismatch = "intent_mismatch"
)

// DiscardedOption records one candidate dropped before scoring, with a
// short title preview so audit trails stay readable.
type DiscardedOption struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// ScoreInput carries one scoring pass's parameters. Weights come from the
// governance document; the keyword lists from the active FUJI policy.
type ScoreInput struct {
	Options   []Option
	Weights   map[string]float64
	HardBlock []string
	SoftBlock []string
	Intent    intent.Intent
}

// ScoreResult is the surviving, scored candidates plus the discard record.
type ScoreResult struct {
	Options   []Option
	Discarded []DiscardedOption
}

// Scorer runs integrity checks, the intent filter, and value scoring. It is
// fully deterministic: same input, same scores.
type Scorer struct {
	logger *slog.Logger
}

// NewScorer wires the scoring stage.
func NewScorer(logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{logger: logger}
}

// Score filters and scores the candidates. Integrity failures and intent
// mismatches are discarded, never repaired; an empty survivor set is a
// legitimate outcome the debate stage degrades from.
func (s *Scorer) Score(in ScoreInput) ScoreResult {
	var res ScoreResult
	res.Options = make([]Option, 0, len(in.Options))

	for _, opt := range in.Options {
		if reason, ok := titleIntegrity(opt.Title, in.HardBlock); !ok {
			res.Discarded = append(res.Discarded, discard(opt, reason))
			continue
		}
		if in.Intent.Topical() && !intent.Matches(in.Intent, opt.Title) {
			res.Discarded = append(res.Discarded, discard(opt, DiscardIntentMismatch))
			continue
		}
		risk := riskEstimate(opt, in.HardBlock, in.SoftBlock)
		opt.ScoreRaw = round4(weightedScore(opt, risk, in.Weights))
		opt.Score = round4(clamp01(opt.ScoreRaw * valueCoreFactor(opt, risk, in.Intent)))
		res.Options = append(res.Options, opt)
	}

	if len(res.Discarded) > 0 {
		s.logger.Info("scoring: candidates discarded",
			slog.Int("kept", len(res.Options)),
			slog.Int("discarded", len(res.Discarded)))
	}
	return res
}

// titleIntegrity applies the integrity checks in fixed order: empty, rune
// cap, control characters, hard-block keywords.
func titleIntegrity(title string, hardBlock []string) (string, bool) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return DiscardEmptyTitle, false
	}
	if len([]rune(title)) > MaxTitleLength {
		return DiscardTitleTooLong, false
	}
	if sanitize.HasControlChars(title) {
		return DiscardControlChars, false
	}
	if _, hit := sanitize.ContainsAny(title, hardBlock); hit {
		return DiscardBannedKeyword, false
	}
	return "", true
}

func discard(opt Option, reason string) DiscardedOption {
	return DiscardedOption{
		ID:     opt.ID,
		Title:  sanitize.Preview(opt.Title, 80),
		Reason: reason,
	}
}

// riskEstimate is the option's intrinsic risk: the planner's step risk,
// raised by keyword findings in the title and description.
func riskEstimate(opt Option, hardBlock, softBlock []string) float64 {
	risk := clamp01(opt.Risk)
	text := opt.Title + " " + opt.Description
	if _, hit := sanitize.ContainsAny(text, hardBlock); hit {
		risk = math.Max(risk, 0.9)
	} else if _, hit := sanitize.ContainsAny(text, softBlock); hit {
		risk = math.Max(risk, 0.5)
	}
	return risk
}

// weightedScore is the weighted mean of the named feature values. Weights
// are first normalized so the largest equals 1, preserving ratios; names
// without a built-in feature read as neutral 0.5 so governance can add
// dimensions without a code change.
func weightedScore(opt Option, risk float64, weights map[string]float64) float64 {
	if len(weights) == 0 {
		weights = map[string]float64{"safety": 0.6, "utility": 0.4}
	}
	var wmax float64
	for _, w := range weights {
		if w > wmax {
			wmax = w
		}
	}
	if wmax <= 0 {
		return 0.5
	}

	var sum, total float64
	for name, w := range weights {
		if w <= 0 {
			continue
		}
		norm := w / wmax
		sum += norm * featureValue(name, opt, risk)
		total += norm
	}
	if total == 0 {
		return 0.5
	}
	return sum / total
}

func featureValue(name string, opt Option, risk float64) float64 {
	switch name {
	case "safety":
		return 1 - risk
	case "utility":
		return utilityEstimate(opt)
	default:
		return 0.5
	}
}

// utilityEstimate rewards options that explain themselves: a description, a
// stated why, and a same-day effort estimate.
func utilityEstimate(opt Option) float64 {
	u := 0.5
	if len([]rune(opt.Description)) >= 40 {
		u += 0.2
	}
	if strings.TrimSpace(opt.Why) != "" {
		u += 0.15
	}
	if opt.ETAHours > 0 && opt.ETAHours <= 8 {
		u += 0.15
	}
	return clamp01(u)
}

// valueCoreFactor is the multiplicative adjustment applied on top of the
// weighted mean: a small bonus for topic-aligned titles, a penalty
// proportional to risk, clamped so the factor can reshape but never erase a
// score.
func valueCoreFactor(opt Option, risk float64, detected intent.Intent) float64 {
	factor := 1.0 - 0.25*risk
	if detected.Topical() && intent.Matches(detected, opt.Title) {
		factor += 0.05
	}
	return math.Min(1.1, math.Max(0.6, factor))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
