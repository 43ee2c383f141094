package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCVEs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "mixed case and dedup",
			text: "Exploit leverages CVE-2024-00123 and cve-2024-99999, again CVE-2024-00123",
			want: []string{"CVE-2024-00123", "CVE-2024-99999"},
		},
		{
			name: "no matches",
			text: "nothing vulnerable here",
			want: nil,
		},
		{
			name: "seven digit sequence",
			text: "see CVE-2023-1234567 for details",
			want: []string{"CVE-2023-1234567"},
		},
		{
			name: "rejects short sequence",
			text: "CVE-2023-123 is not a valid id",
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ExtractCVEs(tc.text))
		})
	}
}
