package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sempervigil/sempervigil/internal/model"
)

func TestEvaluateKeywords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		text       string
		overrides  model.SourceOverrides
		wantAccept bool
		wantReason string
	}{
		{
			name:       "no lists accepts everything",
			text:       "anything at all",
			wantAccept: true,
		},
		{
			name:       "allow hit",
			text:       "Critical ransomware campaign observed",
			overrides:  model.SourceOverrides{AllowKeywords: []string{"ransomware"}},
			wantAccept: true,
			wantReason: "allow_keywords:ransomware",
		},
		{
			name:       "allow miss",
			text:       "quarterly earnings call",
			overrides:  model.SourceOverrides{AllowKeywords: []string{"ransomware"}},
			wantAccept: false,
			wantReason: model.ReasonAllowMiss,
		},
		{
			name: "deny beats allow",
			text: "ransomware gang sponsors webinar",
			overrides: model.SourceOverrides{
				AllowKeywords: []string{"ransomware"},
				DenyKeywords:  []string{"webinar"},
			},
			wantAccept: false,
			wantReason: "deny_keywords:webinar",
		},
		{
			name:       "matching is case insensitive",
			text:       "RANSOMWARE everywhere",
			overrides:  model.SourceOverrides{AllowKeywords: []string{"Ransomware"}},
			wantAccept: true,
			wantReason: "allow_keywords:Ransomware",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			accept, reason := EvaluateKeywords(tc.text, tc.overrides)
			assert.Equal(t, tc.wantAccept, accept)
			assert.Equal(t, tc.wantReason, reason)
		})
	}
}

func TestDeriveTags(t *testing.T) {
	t.Parallel()

	rules := model.TagRules{
		Defaults:  []string{"news"},
		Normalize: map[string]string{"MSFT": "microsoft"},
		IncludeIf: map[string][]string{
			"MSFT":   {`\bexchange\b`, `\bwindows\b`},
			"patch":  {`patch tuesday`},
			"webdev": {`\bjavascript\b`},
		},
		ExcludeIf: map[string][]string{
			"webdev": {`\bvulnerability\b`},
		},
	}

	tags := DeriveTags("Patch Tuesday fixes Exchange and a JavaScript vulnerability", []string{"Security"}, rules)
	assert.Equal(t, []string{"microsoft", "news", "patch", "security"}, tags)
}

func TestDeriveTagsIgnoresBadPattern(t *testing.T) {
	t.Parallel()

	rules := model.TagRules{IncludeIf: map[string][]string{"x": {`([`}}}
	assert.Nil(t, DeriveTags("text", nil, rules))
}
