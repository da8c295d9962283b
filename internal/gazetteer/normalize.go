package gazetteer

import (
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
)

// Normalize folds s to lowercase ASCII, turns punctuation into spaces and
// collapses runs of whitespace.
func Normalize(s string) string {
	s = strings.ToLower(unidecode.Unidecode(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// tokens splits a normalized string and drops tokens shorter than minLen runes.
func tokens(normalized string, minLen int) []string {
	var out []string
	for _, t := range strings.Fields(normalized) {
		if len([]rune(t)) < minLen {
			continue
		}
		out = append(out, t)
	}
	return out
}

// substringDistance is the smallest edit distance between pattern and any
// substring of text (semi-global alignment): leading and trailing text is free,
// so a match scores the same wherever it sits in the field.
func substringDistance(pattern, text []rune) int {
	m, n := len(pattern), len(text)
	if m == 0 {
		return 0
	}
	if n == 0 {
		return m
	}
	prev := make([]int, n+1)
	cur := make([]int, n+1)
	for i := 1; i <= m; i++ {
		cur[0] = i
		for j := 1; j <= n; j++ {
			cost := 1
			if pattern[i-1] == text[j-1] {
				cost = 0
			}
			best := prev[j-1] + cost
			if d := prev[j] + 1; d < best {
				best = d
			}
			if d := cur[j-1] + 1; d < best {
				best = d
			}
			cur[j] = best
		}
		prev, cur = cur, prev
	}
	best := prev[0]
	for _, d := range prev[1:] {
		if d < best {
			best = d
		}
	}
	return best
}
