package fuji

import (
	"sort"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/sanitize"
)

// Risk categories reported by the screen and the safety heads. Hard-block
// keyword hits map to illicit, soft-block hits to sensitive.
const (
	CategoryIllicit   = "illicit"
	CategorySensitive = "sensitive"
	CategoryInjection = "prompt_injection"
	CategoryPII       = "pii"
	CategoryMalformed = "malformed"
	CategoryHarm      = "harm"
)

// ScreenResult is the outcome of the Stage A rule screen. It is computed
// without any model call and feeds both the heuristic head and Stage C.
type ScreenResult struct {
	HardKeyword  string            `json:"hard_keyword,omitempty"`
	SoftKeywords []string          `json:"soft_keywords,omitempty"`
	Injections   []string          `json:"injections,omitempty"`
	PII          []sanitize.PIIHit `json:"pii,omitempty"`
	ControlChars bool              `json:"control_chars,omitempty"`
}

// Illicit reports whether the screen found a hard-block keyword.
func (r ScreenResult) Illicit() bool { return r.HardKeyword != "" }

// PIIKinds returns the distinct detected PII kinds.
func (r ScreenResult) PIIKinds() []string { return sanitize.Kinds(r.PII) }

// OnlyNameLike reports whether every PII hit is a name_like match. Those
// come from honorific heuristics and are too noisy to act on alone.
func (r ScreenResult) OnlyNameLike() bool { return sanitize.OnlyNameLike(r.PII) }

// Categories returns the sorted risk categories implied by the screen.
func (r ScreenResult) Categories() []string {
	set := map[string]bool{}
	if r.HardKeyword != "" {
		set[CategoryIllicit] = true
	}
	if len(r.Injections) > 0 {
		set[CategoryInjection] = true
	}
	if len(r.SoftKeywords) > 0 {
		set[CategorySensitive] = true
	}
	if len(r.PII) > 0 {
		set[CategoryPII] = true
	}
	if r.ControlChars {
		set[CategoryMalformed] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Screen runs the rule layer over the given text fields. All fields are
// scanned; matching happens on the normalized (NFKC, width-folded,
// lower-cased) form so decorated variants do not slip past.
func Screen(p *Policy, texts ...string) ScreenResult {
	var r ScreenResult
	joined := strings.Join(texts, "\n")

	if kw, ok := sanitize.ContainsAny(joined, p.Keywords.HardBlock); ok {
		r.HardKeyword = kw
	}
	normalized := sanitize.Normalize(joined)
	seen := map[string]bool{}
	for _, kw := range p.Keywords.SoftBlock {
		if kw == "" || seen[kw] {
			continue
		}
		if strings.Contains(normalized, sanitize.Normalize(kw)) {
			r.SoftKeywords = append(r.SoftKeywords, kw)
			seen[kw] = true
		}
	}

	r.Injections = sanitize.DetectInjection(joined)
	r.PII = sanitize.Detect(joined)
	for _, t := range texts {
		if sanitize.HasControlChars(t) {
			r.ControlChars = true
			break
		}
	}
	return r
}
