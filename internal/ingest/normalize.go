package ingest

import (
	"html"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Tracking parameters stripped during URL canonicalization.
var trackingParams = map[string]bool{
	"fbclid":     true,
	"gclid":      true,
	"igshid":     true,
	"mc_cid":     true,
	"mc_eid":     true,
	"ref_src":    true,
	"oly_enc_id": true,
}

func isTrackingParam(name string) bool {
	return trackingParams[name] || strings.HasPrefix(name, "utm_")
}

// CanonicalURL normalizes an article URL: lowercase scheme and host,
// default ports and fragments dropped, tracking parameters removed, and
// the remaining query sorted so equal URLs hash identically.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				if isTrackingParam(strings.ToLower(k)) {
					continue
				}
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					if b.Len() > 0 {
						b.WriteByte('&')
					}
					b.WriteString(url.QueryEscape(k))
					b.WriteByte('=')
					b.WriteString(url.QueryEscape(v))
				}
			}
			u.RawQuery = b.String()
		}
	}
	return u.String(), nil
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// StripHTML removes markup and squeezes whitespace, for titles and
// summaries arriving as HTML fragments.
func StripHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
