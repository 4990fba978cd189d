// Package sanitize provides the text screens the safety gate and audit
// redaction are built on: PII detection and masking, banned-keyword and
// prompt-injection matching, and the Unicode normalization that defeats
// full-width evasion (ｂｏｍｂ, ＡＧＩ).
package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// PII kinds reported by Detect.
const (
	PIIPhone    = "phone"
	PIIEmail    = "email"
	PIIAddress  = "address"
	PIINameLike = "name_like"
)

// PIIHit is one detected span.
type PIIHit struct {
	Kind  string `json:"kind"`
	Match string `json:"match"`
}

var (
	rePhone = regexp.MustCompile(`\b0\d{1,4}[-\s]?\d{1,4}[-\s]?\d{3,4}\b|\+\d{1,3}[-\s]?\d{1,4}[-\s]?\d{3,4}[-\s]?\d{3,4}`)
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Japanese postal addresses: prefecture + municipality, or block numbers.
	reAddress = regexp.MustCompile(`[\x{4E00}-\x{9FFF}]{1,8}(都|道|府|県)[\x{4E00}-\x{9FFF}]{1,10}(市|区|町|村)|\d+丁目\d*(番地?\d*)?(号)?`)

	// Names are detected only via honorific suffixes or Western titles;
	// bare-name detection is deliberately out of scope.
	reNameHonorific = regexp.MustCompile(`[\x{4E00}-\x{9FFF}\x{3041}-\x{3096}\x{30A1}-\x{30FA}]{1,10}(さん|様|氏|殿|先生)|\b(Mr|Mrs|Ms|Dr)\.\s?[A-Z][a-z]+`)

	reControl = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// Injection patterns are matched on normalized text.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"instruction_override", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|prompts)`)},
	{"instruction_override_jp", regexp.MustCompile(`(これまでの|以前の|上記の)(指示|命令|ルール)を(無視|忘れて)`)},
	{"system_prompt_probe", regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`)},
	{"system_prompt_probe_jp", regexp.MustCompile(`システム\s*プロンプトを(表示|教えて|開示)`)},
	{"role_hijack", regexp.MustCompile(`(?i)you\s+are\s+now\s+(DAN|developer\s+mode|jailbroken)`)},
	{"delimiter_escape", regexp.MustCompile("(?i)```\\s*(system|assistant)\\s*:")},
}

// Normalize returns the screening form of s: NFKC-composed, width-folded,
// lower-cased. Keyword and injection matching always runs on this form.
func Normalize(s string) string {
	folded := width.Fold.String(s)
	composed := norm.NFKC.String(folded)
	return strings.ToLower(composed)
}

// Detect scans text for PII and returns one hit per matched span.
func Detect(text string) []PIIHit {
	var hits []PIIHit
	for _, m := range rePhone.FindAllString(text, -1) {
		hits = append(hits, PIIHit{Kind: PIIPhone, Match: m})
	}
	for _, m := range reEmail.FindAllString(text, -1) {
		hits = append(hits, PIIHit{Kind: PIIEmail, Match: m})
	}
	for _, m := range reAddress.FindAllString(text, -1) {
		hits = append(hits, PIIHit{Kind: PIIAddress, Match: m})
	}
	for _, m := range reNameHonorific.FindAllString(text, -1) {
		hits = append(hits, PIIHit{Kind: PIINameLike, Match: m})
	}
	return hits
}

// Kinds reduces hits to the distinct set of kinds, in detection order.
func Kinds(hits []PIIHit) []string {
	seen := map[string]bool{}
	var kinds []string
	for _, h := range hits {
		if !seen[h.Kind] {
			seen[h.Kind] = true
			kinds = append(kinds, h.Kind)
		}
	}
	return kinds
}

// OnlyNameLike reports whether every hit is a name_like heuristic match.
// Those alone never count as a PII violation.
func OnlyNameLike(hits []PIIHit) bool {
	if len(hits) == 0 {
		return false
	}
	for _, h := range hits {
		if h.Kind != PIINameLike {
			return false
		}
	}
	return true
}

// Mask replaces detected PII spans with [MASKED:<kind>] tokens.
func Mask(text string) string {
	text = rePhone.ReplaceAllString(text, "[MASKED:phone]")
	text = reEmail.ReplaceAllString(text, "[MASKED:email]")
	text = reAddress.ReplaceAllString(text, "[MASKED:address]")
	text = reNameHonorific.ReplaceAllString(text, "[MASKED:name]")
	return text
}

// ContainsAny reports the first keyword found in the normalized text.
// Keywords are normalized with the same rules before matching.
func ContainsAny(text string, keywords []string) (string, bool) {
	normalized := Normalize(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(normalized, Normalize(kw)) {
			return kw, true
		}
	}
	return "", false
}

// DetectInjection returns the names of matched prompt-injection patterns.
func DetectInjection(text string) []string {
	normalized := Normalize(text)
	var matched []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(normalized) || p.re.MatchString(text) {
			matched = append(matched, p.name)
		}
	}
	return matched
}

// HasControlChars reports whether s contains C0/C1 control characters,
// including newlines and tabs. Option titles must be a single clean line.
func HasControlChars(s string) bool {
	if reControl.MatchString(s) {
		return true
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// Preview masks PII in text and truncates it to max runes for audit logging.
func Preview(text string, max int) string {
	masked := Mask(text)
	runes := []rune(masked)
	if max > 0 && len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return masked
}
