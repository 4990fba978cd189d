package fuji

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/llm"
)

// Assessment is a safety-head verdict over a piece of text.
type Assessment struct {
	RiskScore  float64  `json:"risk_score"`
	Categories []string `json:"categories"`
	Rationale  string   `json:"rationale"`
	Model      string   `json:"model"`
	Raw        string   `json:"raw,omitempty"`
}

// Has reports whether the assessment carries the given category.
func (a Assessment) Has(category string) bool {
	for _, c := range a.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// SafetyHead is the pluggable model-backed risk classifier. The gate always
// has the heuristic screen to fall back on, so implementations may fail
// freely; errors degrade, they never block a decision.
type SafetyHead interface {
	Analyze(ctx context.Context, text string, hints map[string]any) (Assessment, error)
}

// roundRisk clamps to [0,1] and rounds to 4 decimals so additive bumps land
// exactly on the policy thresholds they are meant to cross.
func roundRisk(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return math.Round(v*10000) / 10000
}

// HeuristicAssessment scores a rule screen without any model call. Hard
// keywords dominate, then injections, soft keywords, PII, and control
// characters; two or more distinct signal kinds add a small stacking bump.
func HeuristicAssessment(screen ScreenResult) Assessment {
	var risk float64
	var reasons []string

	if screen.HardKeyword != "" {
		risk = 0.95
		reasons = append(reasons, "hard_keyword:"+screen.HardKeyword)
	}
	if len(screen.Injections) > 0 {
		risk = math.Max(risk, 0.75)
		reasons = append(reasons, "injection:"+strings.Join(screen.Injections, ","))
	}
	if len(screen.SoftKeywords) > 0 {
		soft := 0.45 + 0.05*float64(len(screen.SoftKeywords)-1)
		if soft > 0.55 {
			soft = 0.55
		}
		risk = math.Max(risk, soft)
		reasons = append(reasons, "soft_keyword:"+strings.Join(screen.SoftKeywords, ","))
	}
	if len(screen.PII) > 0 {
		if screen.OnlyNameLike() {
			risk = math.Max(risk, 0.15)
			reasons = append(reasons, "pii:name_like")
		} else {
			risk = math.Max(risk, 0.35)
			reasons = append(reasons, "pii:"+strings.Join(screen.PIIKinds(), ","))
		}
	}
	if screen.ControlChars {
		risk = math.Max(risk, 0.30)
		reasons = append(reasons, "control_chars")
	}

	cats := screen.Categories()
	if len(cats) >= 2 {
		risk += 0.05 * float64(len(cats)-1)
	}

	rationale := "no rule hits"
	if len(reasons) > 0 {
		rationale = strings.Join(reasons, "; ")
	}
	raw, _ := json.Marshal(screen)
	return Assessment{
		RiskScore:  roundRisk(risk),
		Categories: cats,
		Rationale:  rationale,
		Model:      "heuristic_fallback",
		Raw:        string(raw),
	}
}

// Combine merges a model verdict with the heuristic one. The result is
// max(model, heuristic); when the heuristic scored higher it gets a +0.05
// bump, and an illicit hit seen only by the heuristic floors the result at
// 0.7 so rule hits cannot be argued away by the model.
func Combine(model, heuristic Assessment) Assessment {
	final := math.Max(model.RiskScore, heuristic.RiskScore)
	if heuristic.RiskScore > model.RiskScore {
		final = heuristic.RiskScore + 0.05
	}
	if heuristic.Has(CategoryIllicit) && !model.Has(CategoryIllicit) && final < 0.7 {
		final = 0.7
	}

	set := map[string]bool{}
	for _, c := range model.Categories {
		set[c] = true
	}
	for _, c := range heuristic.Categories {
		set[c] = true
	}
	cats := make([]string, 0, len(set))
	for c := range set {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	rationale := model.Rationale
	if heuristic.Rationale != "" && heuristic.Rationale != "no rule hits" {
		rationale = rationale + " | " + heuristic.Rationale
	}
	return Assessment{
		RiskScore:  roundRisk(final),
		Categories: cats,
		Rationale:  rationale,
		Model:      model.Model,
		Raw:        model.Raw,
	}
}

const llmHeadSystem = `You are a content safety classifier for a decision gateway.
Assess the user text and respond with ONLY a JSON object:
{"risk_score": <float 0.0-1.0>, "categories": [<zero or more of "illicit","sensitive","prompt_injection","pii","harm">], "rationale": "<one short sentence>"}
Score 0.9+ for instructions enabling weapons, explosives, or serious crime.
Score 0.0-0.2 for ordinary everyday requests.`

// llmHeadMaxRunes bounds the text sent to the model.
const llmHeadMaxRunes = 4000

// LLMHead asks a chat model for a risk verdict.
type LLMHead struct {
	client  llm.Client
	timeout time.Duration
}

// NewLLMHead wraps client as a SafetyHead. A non-positive timeout defaults
// to 20s, well inside the request deadline.
func NewLLMHead(client llm.Client, timeout time.Duration) *LLMHead {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLMHead{client: client, timeout: timeout}
}

type llmHeadVerdict struct {
	RiskScore  float64  `json:"risk_score"`
	Categories []string `json:"categories"`
	Rationale  string   `json:"rationale"`
}

// Analyze sends text to the model and parses the JSON verdict. Responses
// wrapped in code fences or prose are recovered by the shared extractor.
func (h *LLMHead) Analyze(ctx context.Context, text string, hints map[string]any) (Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	runes := []rune(text)
	if len(runes) > llmHeadMaxRunes {
		text = string(runes[:llmHeadMaxRunes])
	}
	user := text
	if len(hints) > 0 {
		if b, err := json.Marshal(hints); err == nil {
			user = text + "\n\ncontext: " + string(b)
		}
	}

	resp, err := h.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: llmHeadSystem},
		{Role: "user", Content: user},
	}, &llm.SamplingOptions{Temperature: 0})
	if err != nil {
		return Assessment{}, fmt.Errorf("fuji: safety head call: %w", err)
	}

	payload, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		return Assessment{}, fmt.Errorf("fuji: safety head response: %w", err)
	}
	var v llmHeadVerdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return Assessment{}, fmt.Errorf("fuji: safety head response: %w", err)
	}

	sort.Strings(v.Categories)
	return Assessment{
		RiskScore:  roundRisk(v.RiskScore),
		Categories: v.Categories,
		Rationale:  v.Rationale,
		Model:      resp.Model,
		Raw:        resp.Content,
	}, nil
}
