package IO

import (
	"strings"

	"github.com/dlclark/regexp2"
)

// Words are runs of letters and digits with an optional clitic ("dog's");
// any other non-space rune is a token of its own.
var wordPattern = regexp2.MustCompile(`[a-z0-9]+(?:'[a-z]+)?|[^\s\w]`, regexp2.None)

// NormalizeCaption trims and lowercases a caption.
func NormalizeCaption(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TokenizeWords splits a caption into lowercase word pieces.
func TokenizeWords(s string) []string {
	s = NormalizeCaption(s)
	var out []string
	m, err := wordPattern.FindStringMatch(s)
	for err == nil && m != nil {
		out = append(out, m.String())
		m, err = wordPattern.FindNextMatch(m)
	}
	return out
}

// SplitSentences cuts a word stream after every ".". A trailing run with no
// period is kept as the last sentence.
func SplitSentences(words []string) [][]string {
	var out [][]string
	var cur []string
	for _, w := range words {
		cur = append(cur, w)
		if w == "." {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
