// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ExtractJSONBlock returns the first fenced JSON object in markdown, or the
// whole text when it already is one. Empty string means no JSON was found.
func ExtractJSONBlock(markdown string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(markdown, fence)
		if start < 0 {
			continue
		}
		rest := markdown[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "{") {
			return candidate
		}
	}
	trimmed := strings.TrimSpace(markdown)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	return ""
}
