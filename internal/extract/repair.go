package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// CleanJSONResponse strips markdown code fences and leading/trailing prose
// an LLM sometimes wraps a JSON object in, leaving only the object itself.
func CleanJSONResponse(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	response = strings.TrimSpace(response)

	if extracted := extractJSONObject(response); extracted != "" {
		response = extracted
	}

	return strings.TrimSpace(response)
}

// extractJSONObject finds the outermost balanced {...} span in s, respecting
// string literals so braces inside quoted text don't throw off the count.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, ignore brace characters
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

var (
	trailingCommaRe  = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRe    = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	unescapedNewline = regexp.MustCompile(`[\r\n\t]+`)
)

// RepairJSON applies a bounded set of syntactic fixes for the malformed
// JSON an LLM occasionally emits: trailing commas before a closing bracket,
// unquoted object keys, and raw control characters inside the payload. It
// does not attempt a full recursive repair — if the result still fails to
// parse, the caller should treat the chapter as a non-retryable extraction
// failure rather than loop forever on unrepairable output.
func RepairJSON(raw string) string {
	fixed := CleanJSONResponse(raw)
	fixed = unescapedNewline.ReplaceAllString(fixed, " ")
	fixed = trailingCommaRe.ReplaceAllString(fixed, "$1")
	fixed = unquotedKeyRe.ReplaceAllString(fixed, `$1"$2"$3`)
	return fixed
}

// IsValidJSON reports whether s parses as a JSON value.
func IsValidJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// ParseWithRepair unmarshals raw into target, falling back to RepairJSON
// once if the first attempt fails.
func ParseWithRepair(raw string, target any) error {
	if err := json.Unmarshal([]byte(raw), target); err == nil {
		return nil
	}

	repaired := RepairJSON(raw)
	return json.Unmarshal([]byte(repaired), target)
}
