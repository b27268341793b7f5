package epgmatch

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Weights of the blended fuzzy score.
const (
	weightRatio     = 0.4
	weightPartial   = 0.3
	weightTokenSort = 0.3
)

// Ratio is the whole-string similarity in [0,1] derived from edit distance.
// Two empty strings score 0: there is nothing to match on.
func Ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return clamp01(1 - float64(d)/float64(longest))
}

// PartialRatio is the best Ratio of the shorter string against every
// same-length window of the longer one.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}
	s := string(short)
	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		r := Ratio(s, string(long[i:i+len(short)]))
		if r > best {
			best = r
			if best == 1 {
				break
			}
		}
	}
	return best
}

// TokenSortRatio compares both strings after sorting their tokens, so word
// order does not matter.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedTokens(a), sortedTokens(b))
}

// Blend combines Ratio, PartialRatio and TokenSortRatio with fixed weights.
func Blend(a, b string) float64 {
	return clamp01(weightRatio*Ratio(a, b) +
		weightPartial*PartialRatio(a, b) +
		weightTokenSort*TokenSortRatio(a, b))
}

func sortedTokens(s string) string {
	toks := strings.Fields(s)
	sort.Strings(toks)
	return strings.Join(toks, " ")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
