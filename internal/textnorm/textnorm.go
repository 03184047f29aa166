// Package textnorm normalizes free text for keyword and pattern matching.
// Matching throughout thinkwatch is case- and accent-insensitive.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, strips diacritics and collapses every run of
// punctuation or whitespace into a single space.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	space := true
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// ContainsKeyword reports whether keyword occurs in text after normalizing
// both. A keyword with leading or trailing spaces only matches on a word
// boundary on that side, e.g. " so " does not match "also".
func ContainsKeyword(text, keyword string) bool {
	return containsNormalized(" "+Normalize(text)+" ", keyword)
}

// MatchAny returns the first keyword contained in text, or "" if none is.
func MatchAny(text string, keywords []string) string {
	padded := " " + Normalize(text) + " "
	for _, kw := range keywords {
		if containsNormalized(padded, kw) {
			return kw
		}
	}
	return ""
}

// CountMatches returns how many keywords are contained in text.
func CountMatches(text string, keywords []string) int {
	padded := " " + Normalize(text) + " "
	n := 0
	for _, kw := range keywords {
		if containsNormalized(padded, kw) {
			n++
		}
	}
	return n
}

func containsNormalized(padded, keyword string) bool {
	k := Normalize(keyword)
	if k == "" {
		return false
	}
	if strings.HasPrefix(keyword, " ") {
		k = " " + k
	}
	if strings.HasSuffix(keyword, " ") {
		k += " "
	}
	return strings.Contains(padded, k)
}

// Words splits normalized text into words.
func Words(s string) []string {
	return strings.Fields(Normalize(s))
}

// WordSet returns the set of normalized words in s.
func WordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range Words(s) {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b| over the word sets of a and b.
// Two empty inputs have similarity 0.
func Jaccard(a, b string) float64 {
	sa, sb := WordSet(a), WordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// Overlap returns the fraction of trigger's words that appear in text.
func Overlap(trigger, text string) float64 {
	tw := WordSet(trigger)
	if len(tw) == 0 {
		return 0
	}
	xw := WordSet(text)
	hit := 0
	for w := range tw {
		if _, ok := xw[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(tw))
}

// Prefix returns the first n runes of s.
func Prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
