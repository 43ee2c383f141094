package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity bands, ordered from least to most severe.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of the band; unknown bands rank as NONE.
func (s Severity) Rank() int { return severityRank[Severity(strings.ToUpper(string(s)))] }

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// CvssMetric is one CVSS scoring record kept per metric version.
type CvssMetric struct {
	Version      string   `json:"version"`
	VectorString string   `json:"vector_string"`
	BaseScore    float64  `json:"base_score"`
	BaseSeverity Severity `json:"base_severity"`
	Source       string   `json:"source,omitempty"`
}

// Preferred CVSS version values.
const (
	CvssV40      = "4.0"
	CvssV31      = "3.1"
	CvssVersNone = "none"
)

// CVE is the locally synchronized record of one upstream vulnerability
// entry. The preferred_* fields always agree with PreferredVersion.
type CVE struct {
	ID                string          `json:"cve_id"`
	PublishedAt       *time.Time      `json:"published_at,omitempty"`
	LastModifiedAt    *time.Time      `json:"last_modified_at,omitempty"`
	LastSeenAt        time.Time       `json:"last_seen_at"`
	VulnStatus        string          `json:"vuln_status,omitempty"`
	Description       string          `json:"description_text,omitempty"`
	MetricV31         *CvssMetric     `json:"metric_v31,omitempty"`
	MetricV40         *CvssMetric     `json:"metric_v40,omitempty"`
	PreferredVersion  string          `json:"preferred_cvss_version"`
	PreferredScore    *float64        `json:"preferred_base_score,omitempty"`
	PreferredSeverity Severity        `json:"preferred_base_severity,omitempty"`
	PreferredVector   string          `json:"preferred_vector,omitempty"`
	AffectedCPEs      []string        `json:"affected_cpes,omitempty"`
	ReferenceDomains  []string        `json:"reference_domains,omitempty"`
	SnapshotHash      string          `json:"snapshot_hash"`
	Raw               json.RawMessage `json:"-"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Vendor is a normalized vendor entity.
type Vendor struct {
	VendorNorm  string `json:"vendor_norm"`
	DisplayName string `json:"display_name"`
}

// Product is a normalized product entity keyed by vendor_norm/product_norm.
type Product struct {
	ProductKey  string `json:"product_key"`
	VendorNorm  string `json:"vendor_norm"`
	ProductNorm string `json:"product_norm"`
	DisplayName string `json:"display_name"`
}

// ProductKey joins normalized vendor and product names into the
// clustering key "vendor_norm/product_norm".
func ProductKey(vendor, product string) string {
	return NormalizeEntity(vendor) + "/" + NormalizeEntity(product)
}

// NormalizeEntity lowercases and squeezes an entity name for keying.
func NormalizeEntity(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(s), "_")
}

// Change journal entry types.
const (
	ChangeSeverityUpgrade  = "severity_upgrade"
	ChangeScore            = "score_change"
	ChangeMetrics          = "metrics_change"
	ChangePreferredVersion = "preferred_version_changed"
)

// CVEChange is one append-only journal row recording a material change
// between two synced snapshots of the same CVE. Rows are emitted only
// when the snapshot hash changed.
type CVEChange struct {
	ID         int64           `json:"id"`
	CveID      string          `json:"cve_id"`
	ChangeType string          `json:"change_type"`
	FromValue  string          `json:"from_value,omitempty"`
	ToValue    string          `json:"to_value,omitempty"`
	Diff       json.RawMessage `json:"diff,omitempty"`
	ChangeAt   time.Time       `json:"change_at"`
}

// Confidence bands for article and event links.
const (
	BandLinked   = "linked"
	BandProbable = "probable"
	BandMention  = "mention"
)

// ArticleCVE links an article to an explicitly mentioned CVE identifier.
type ArticleCVE struct {
	ArticleID  string          `json:"article_id"`
	CveID      string          `json:"cve_id"`
	Confidence float64         `json:"confidence"`
	Band       string          `json:"confidence_band"`
	Reasons    []string        `json:"reasons,omitempty"`
	Evidence   json.RawMessage `json:"evidence_json,omitempty"`
}
