package epgmatch

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

type variantRule struct {
	re   *regexp.Regexp
	repl string
}

// variantRules are tried in both directions: a rule applied to either name
// must produce the other name exactly.
var variantRules = []variantRule{
	{regexp.MustCompile(`(\w+)\s*hd\b`), "$1"},
	{regexp.MustCompile(`(\w+)\s*sd\b`), "$1"},
	{regexp.MustCompile(`(\w+)\s*\+`), "$1 plus"},
	{regexp.MustCompile(`(\w+)\s*1\b`), "$1 one"},
	{regexp.MustCompile(`\bone\b`), "1"},
	{regexp.MustCompile(`(\w+)\s*2\b`), "$1 two"},
	{regexp.MustCompile(`\btwo\b`), "2"},
	{regexp.MustCompile(`(\w+)\s*iii\b`), "$1 3"},
	{regexp.MustCompile(`(\w+)\s*ii\b`), "$1 2"},
	{regexp.MustCompile(`\s*&\s*`), " and "},
	{regexp.MustCompile(`\band\b`), "&"},
}

// IsVariant reports whether a and b are known variants of each other
// (HD/SD suffix, "+"/"plus", numerals, roman numerals, "&"/"and").
func IsVariant(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	for _, r := range variantRules {
		if applyRule(r, a) == b || applyRule(r, b) == a {
			return true
		}
	}
	return false
}

func applyRule(r variantRule, s string) string {
	return simplify(r.re.ReplaceAllString(s, r.repl))
}

// IconMatch compares the lowercase file names (without extension) of two
// logo URLs. Equal names or one containing the other count as a match.
func IconMatch(a, b string) bool {
	fa, fb := iconStem(a), iconStem(b)
	if fa == "" || fb == "" {
		return false
	}
	return fa == fb || strings.Contains(fa, fb) || strings.Contains(fb, fa)
}

func iconStem(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
}
