// Package epgmatch matches playlist channels against EPG guide channels.
// Everything here is pure: no I/O, no shared state.
package epgmatch

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	reLeadingThe = regexp.MustCompile(`^the\s+`)
	reBracketed  = regexp.MustCompile(`\s*(\([^)]*\)|\[[^\]]*\]|\{[^}]*\})`)
	// The whole trailing run of "+", quality markers, generic words and
	// numbers, matched at once.
	reTails  = regexp.MustCompile(`(?:\s*\+|\s+(?:hd|sd|fhd|uhd|4k|tv|channel|ch|\d+))+\s*$`)
	rePunct  = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	reSpaces = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes a channel or guide display name for comparison.
// The result is lowercase, accent-free, has no quality/format suffixes,
// bracketed content, punctuation or repeated whitespace.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(name string) string {
	s := strings.ToLower(foldAccents(name))
	for {
		next := normalizeOnce(s)
		if next == s {
			return next
		}
		s = next
	}
}

// normalizeOnce runs one ordered pass. Every step after the first pass only
// deletes characters, so iterating it reaches a fixed point.
func normalizeOnce(s string) string {
	s = strings.TrimSpace(s)
	s = reLeadingThe.ReplaceAllString(s, "")
	s = reBracketed.ReplaceAllString(s, "")
	s = stripTails(s)
	s = rePunct.ReplaceAllString(s, "")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// stripTails removes the trailing markers in one linear match. Quality
// markers and "+" go before punctuation stripping so "Channel+" and
// "Channel +" end up identical.
func stripTails(s string) string {
	if loc := reTails.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(s)
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// simplify lowercases and collapses whitespace without removing anything,
// so rules keyed on "+" or "&" still see them.
func simplify(s string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(strings.ToLower(s), " "))
}
