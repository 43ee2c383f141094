// Package nvd synchronizes CVE records from the NVD 2.0 delta API and
// journals what changed.
package nvd

import "encoding/json"

type apiResponse struct {
	ResultsPerPage  int                `json:"resultsPerPage"`
	StartIndex      int                `json:"startIndex"`
	TotalResults    int                `json:"totalResults"`
	Vulnerabilities []apiVulnerability `json:"vulnerabilities"`
}

// apiVulnerability keeps the raw record alongside the parsed fields so
// the full upstream JSON can be stored on the CVE row.
type apiVulnerability struct {
	CVE json.RawMessage `json:"cve"`
}

type apiCVE struct {
	ID             string           `json:"id"`
	Published      string           `json:"published"`
	LastModified   string           `json:"lastModified"`
	VulnStatus     string           `json:"vulnStatus"`
	Descriptions   []apiDescription `json:"descriptions"`
	Metrics        apiMetrics       `json:"metrics"`
	Configurations []apiConfig      `json:"configurations"`
	References     []apiReference   `json:"references"`
}

type apiDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type apiMetrics struct {
	CvssMetricV40 []apiCvssMetric `json:"cvssMetricV40,omitempty"`
	CvssMetricV31 []apiCvssMetric `json:"cvssMetricV31,omitempty"`
}

type apiCvssMetric struct {
	Source   string      `json:"source"`
	Type     string      `json:"type"`
	CvssData apiCvssData `json:"cvssData"`
}

type apiCvssData struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type apiConfig struct {
	Nodes []apiNode `json:"nodes"`
}

type apiNode struct {
	CpeMatch []apiCpeMatch `json:"cpeMatch"`
	Children []apiNode     `json:"children,omitempty"`
}

type apiCpeMatch struct {
	Vulnerable bool   `json:"vulnerable"`
	Criteria   string `json:"criteria"`
}

type apiReference struct {
	URL string `json:"url"`
}
