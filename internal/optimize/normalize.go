package optimize

import (
	"regexp"
	"strings"
)

// DefaultMaxPromptLength bounds prompts when no explicit limit is configured.
const DefaultMaxPromptLength = 1000

const truncationMarker = "\n[... truncated ...]"

// Log-style timestamps such as "[2024-05-01 12:30:45.123]". The fraction
// separator is any character so "[... 12:30:45,123]" also matches.
var timestampPattern = regexp.MustCompile(`\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(.\d+)?\]`)

// NormalizePrompt trims surrounding whitespace, strips bracketed timestamps and
// bounds the prompt to maxLength characters (runes). Over-long prompts are cut
// at the last newline in the allowed window when that newline lies past the
// window's midpoint, otherwise hard-cut at maxLength; either way a truncation
// marker is appended. A non-positive maxLength disables truncation.
func NormalizePrompt(prompt string, maxLength int) string {
	p := strings.TrimSpace(prompt)
	p = timestampPattern.ReplaceAllString(p, "")
	if maxLength <= 0 {
		return p
	}
	runes := []rune(p)
	if len(runes) <= maxLength {
		return p
	}
	window := runes[:maxLength]
	cut := -1
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == '\n' {
			cut = i
			break
		}
	}
	if cut > maxLength/2 {
		return string(runes[:cut]) + truncationMarker
	}
	return string(window) + truncationMarker
}
