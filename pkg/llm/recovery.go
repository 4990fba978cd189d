package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON means no complete JSON value could be recovered from a model
// response.
var ErrNoJSON = errors.New("llm: no JSON value found in response")

// ExtractJSON returns the first complete JSON value in s. Model output is
// rarely clean: values arrive wrapped in code fences, prefixed with prose,
// or trailed by commentary. Recovery passes run in order: the raw string,
// the contents of a code fence, a balanced-delimiter scan from the leftmost
// opening brace or bracket, an embedded "steps" array re-wrapped as an
// object (so a plan survives a truncated wrapper), and finally a scan from
// every remaining opening delimiter.
func ExtractJSON(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", ErrNoJSON
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	if fenced, ok := insideFence(trimmed); ok {
		if json.Valid([]byte(fenced)) {
			return fenced, nil
		}
		// Fences sometimes wrap prose around the value; keep scanning the
		// fence body before falling back to the whole string.
		if scanned, ok := balancedScan(fenced); ok {
			return scanned, nil
		}
	}
	if first := strings.IndexAny(trimmed, "{["); first >= 0 {
		if candidate, ok := scanFrom(trimmed, first); ok {
			return candidate, nil
		}
	}
	if steps, ok := stepsArray(trimmed); ok {
		return steps, nil
	}
	if scanned, ok := balancedScan(trimmed); ok {
		return scanned, nil
	}
	return "", ErrNoJSON
}

// insideFence returns the body of the first ``` fence.
func insideFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	// Skip the language tag line, if any.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}[]\"") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// balancedScan walks from each opening delimiter tracking depth and string
// state, returning the first span that is valid JSON.
func balancedScan(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		open := s[start]
		if open != '{' && open != '[' {
			continue
		}
		if candidate, ok := scanFrom(s, start); ok {
			return candidate, true
		}
		// Skip ahead to the next opening delimiter; scanFrom already
		// consumed this one.
	}
	return "", false
}

func scanFrom(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

// stepsArray recovers a plan whose surrounding object is broken but whose
// "steps" array survived intact.
func stepsArray(s string) (string, bool) {
	idx := strings.Index(s, `"steps"`)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(`"steps"`):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = rest[colon+1:]
	open := strings.IndexByte(rest, '[')
	if open < 0 {
		return "", false
	}
	arr, ok := scanFrom(rest, open)
	if !ok {
		return "", false
	}
	return `{"steps":` + arr + `}`, true
}
