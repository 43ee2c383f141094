package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips tracking params and fragment",
			in:   "https://Example.com/post?utm_source=rss&utm_medium=feed&id=7#section",
			want: "https://example.com/post?id=7",
		},
		{
			name: "sorts remaining query keys",
			in:   "https://example.com/a?z=1&a=2",
			want: "https://example.com/a?a=2&z=1",
		},
		{
			name: "drops default port",
			in:   "https://example.com:443/x",
			want: "https://example.com/x",
		},
		{
			name: "keeps explicit port",
			in:   "http://example.com:8080/x",
			want: "http://example.com:8080/x",
		},
		{
			name: "removes fbclid",
			in:   "https://example.com/story?fbclid=abc123",
			want: "https://example.com/story",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalURLRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := CanonicalURL("://nope")
	assert.Error(t, err)
}

func TestStripHTML(t *testing.T) {
	t.Parallel()

	got := StripHTML("<p>Patch <b>now</b> &amp; reboot</p>\n\n  later")
	assert.Equal(t, "Patch now & reboot later", got)
}
