package pipeline

import "regexp"

// RewriteRule is one ordered {pattern, replace} URL rewrite applied to the
// pathname before routing (spec.md §4.5 "Rewrite rules"). Pattern is
// compiled once at registration; replace follows regexp.ReplaceAll syntax
// ($1, $name).
type RewriteRule struct {
	Pattern string
	Replace string

	matcher *regexp.Regexp
}

// NewRewriteRule compiles pattern into a usable RewriteRule.
func NewRewriteRule(pattern, replace string) (RewriteRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RewriteRule{}, err
	}
	return RewriteRule{Pattern: pattern, Replace: replace, matcher: re}, nil
}

// applyRewrites runs path through rules in order, stopping at the first
// match (first rule wins, not last) and reports whether anything changed.
func applyRewrites(rules []RewriteRule, path string) (string, bool) {
	for _, rule := range rules {
		if rule.matcher == nil {
			continue
		}
		if rule.matcher.MatchString(path) {
			return rule.matcher.ReplaceAllString(path, rule.Replace), true
		}
	}
	return path, false
}
