package compiler

import (
	"regexp"
	"strings"

	"warden/core"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// SanitizeMatch prepares an operator-supplied match value for embedding
// inside a quoted SecRule operator argument. The rule syntax delimits the
// argument with double quotes, so the result never contains a quote
// character, never ends in a backslash, and is never empty.
func SanitizeMatch(s string) string {
	s = strings.TrimSpace(s)

	// one layer of surrounding quotes
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			s = s[1 : len(s)-1]
		}
	}

	// escaped quotes as chat clients and JSON deliver them
	s = strings.ReplaceAll(s, `\\"`, `"`)
	s = strings.ReplaceAll(s, `\"`, `"`)

	s = strings.ReplaceAll(s, `"`, "")
	s = strings.ReplaceAll(s, `'`, "")

	s = strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
	// a trailing backslash would escape the closing delimiter
	s = strings.TrimSpace(strings.TrimRight(s, `\`))
	if s == "" {
		return core.FallbackMatchPattern
	}
	return s
}
