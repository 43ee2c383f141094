package ingest

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sempervigil/sempervigil/internal/model"
)

// EvaluateKeywords applies the source's keyword filter to the item text.
// Deny always wins; an empty allow list accepts everything. The returned
// reason explains a rejection, or names the allow keyword that matched.
func EvaluateKeywords(text string, overrides model.SourceOverrides) (accept bool, reason string) {
	lower := strings.ToLower(text)
	for _, kw := range overrides.DenyKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return false, model.ReasonDenyPrefix + kw
		}
	}
	if len(overrides.AllowKeywords) == 0 {
		return true, ""
	}
	for _, kw := range overrides.AllowKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true, "allow_keywords:" + kw
		}
	}
	return false, model.ReasonAllowMiss
}

// DeriveTags computes the tag set for an article: the source's static
// tags plus the rule defaults, plus include_if matches, minus exclude_if
// matches, all passed through the normalize map. Result is sorted and
// deduplicated.
func DeriveTags(text string, sourceTags []string, rules model.TagRules) []string {
	set := make(map[string]struct{})
	for _, t := range sourceTags {
		set[t] = struct{}{}
	}
	for _, t := range rules.Defaults {
		set[t] = struct{}{}
	}
	for tag, patterns := range rules.IncludeIf {
		if anyPatternMatches(text, patterns) {
			set[tag] = struct{}{}
		}
	}
	for tag, patterns := range rules.ExcludeIf {
		if anyPatternMatches(text, patterns) {
			delete(set, tag)
		}
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		if canon, ok := rules.Normalize[t]; ok {
			t = canon
		}
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return dedupeSorted(tags)
}

func anyPatternMatches(text string, patterns []string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			// Bad patterns are a configuration mistake, not a reason to
			// drop the article.
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != in[i-1] {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
