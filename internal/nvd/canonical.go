package nvd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Canonicalize converts an upstream record into the internal CVE shape,
// picks the preferred CVSS version, and computes the snapshot hash.
func Canonicalize(rec Record, preferV4 bool, seenAt time.Time) *model.CVE {
	cve := &model.CVE{
		ID:         strings.ToUpper(rec.CVE.ID),
		VulnStatus: rec.CVE.VulnStatus,
		LastSeenAt: seenAt,
		Raw:        rec.Raw,
	}
	if t := parseNVDTime(rec.CVE.Published); t != nil {
		cve.PublishedAt = t
	}
	if t := parseNVDTime(rec.CVE.LastModified); t != nil {
		cve.LastModifiedAt = t
	}
	cve.Description = englishDescription(rec.CVE.Descriptions)
	cve.MetricV31 = primaryMetric(rec.CVE.Metrics.CvssMetricV31, model.CvssV31)
	cve.MetricV40 = primaryMetric(rec.CVE.Metrics.CvssMetricV40, model.CvssV40)
	cve.AffectedCPEs = vulnerableCPEs(rec.CVE.Configurations)
	cve.ReferenceDomains = referenceDomains(rec.CVE.References)

	preferred := preferredMetric(cve, preferV4)
	if preferred != nil {
		cve.PreferredVersion = preferred.Version
		score := preferred.BaseScore
		cve.PreferredScore = &score
		cve.PreferredSeverity = model.Severity(strings.ToUpper(string(preferred.BaseSeverity)))
		cve.PreferredVector = preferred.VectorString
	} else {
		cve.PreferredVersion = model.CvssVersNone
	}

	cve.SnapshotHash = snapshotHash(cve)
	return cve
}

func preferredMetric(cve *model.CVE, preferV4 bool) *model.CvssMetric {
	if preferV4 && cve.MetricV40 != nil {
		return cve.MetricV40
	}
	if cve.MetricV31 != nil {
		return cve.MetricV31
	}
	if cve.MetricV40 != nil {
		return cve.MetricV40
	}
	return nil
}

// primaryMetric picks the Primary-typed record when present, otherwise
// the first one.
func primaryMetric(metrics []apiCvssMetric, version string) *model.CvssMetric {
	if len(metrics) == 0 {
		return nil
	}
	chosen := metrics[0]
	for _, m := range metrics {
		if strings.EqualFold(m.Type, "Primary") {
			chosen = m
			break
		}
	}
	return &model.CvssMetric{
		Version:      version,
		VectorString: chosen.CvssData.VectorString,
		BaseScore:    chosen.CvssData.BaseScore,
		BaseSeverity: model.Severity(strings.ToUpper(chosen.CvssData.BaseSeverity)),
		Source:       chosen.Source,
	}
}

func englishDescription(descriptions []apiDescription) string {
	for _, d := range descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(descriptions) > 0 {
		return descriptions[0].Value
	}
	return ""
}

func vulnerableCPEs(configs []apiConfig) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(nodes []apiNode)
	walk = func(nodes []apiNode) {
		for _, node := range nodes {
			for _, match := range node.CpeMatch {
				if match.Vulnerable && !seen[match.Criteria] {
					seen[match.Criteria] = true
					out = append(out, match.Criteria)
				}
			}
			walk(node.Children)
		}
	}
	for _, cfg := range configs {
		walk(cfg.Nodes)
	}
	sort.Strings(out)
	return out
}

func referenceDomains(refs []apiReference) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range refs {
		u, err := url.Parse(ref.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if !seen[host] {
			seen[host] = true
			out = append(out, host)
		}
	}
	sort.Strings(out)
	return out
}

// ExtractProducts turns the vulnerable CPE list into normalized vendor/
// product rows. CPE 2.3 criteria look like
// cpe:2.3:a:vendor:product:version:... with vendor at part 3.
func ExtractProducts(cpes []string) []model.Product {
	seen := map[string]bool{}
	var out []model.Product
	for _, cpe := range cpes {
		parts := strings.Split(cpe, ":")
		if len(parts) < 5 || parts[0] != "cpe" {
			continue
		}
		vendor, product := parts[3], parts[4]
		if vendor == "" || vendor == "*" || product == "" || product == "*" {
			continue
		}
		key := model.ProductKey(vendor, product)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.Product{
			ProductKey:  key,
			VendorNorm:  model.NormalizeEntity(vendor),
			ProductNorm: model.NormalizeEntity(product),
			DisplayName: displayName(vendor) + " " + displayName(product),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductKey < out[j].ProductKey })
	return out
}

func displayName(part string) string {
	words := strings.Split(strings.ReplaceAll(part, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// snapshotHash covers exactly the fields whose change is worth a journal
// entry: preferred metrics, description, products, references.
func snapshotHash(cve *model.CVE) string {
	var score float64
	if cve.PreferredScore != nil {
		score = *cve.PreferredScore
	}
	payload, _ := json.Marshal(map[string]any{
		"preferred_version":  cve.PreferredVersion,
		"preferred_score":    score,
		"preferred_severity": cve.PreferredSeverity,
		"preferred_vector":   cve.PreferredVector,
		"metric_v31":         cve.MetricV31,
		"metric_v40":         cve.MetricV40,
		"description":        cve.Description,
		"cpes":               cve.AffectedCPEs,
		"reference_domains":  cve.ReferenceDomains,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func parseNVDTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{nvdTimeFormat, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
