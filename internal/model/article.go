package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Article is one ingested source item after normalization. The ID is a
// stable hash of (canonical URL, source id); articles are unique on
// (SourceID, ID). ContentFingerprint exists only for non-destructive
// cross-source duplicate grouping.
type Article struct {
	ID                 string     `json:"id"`
	SourceID           string     `json:"source_id"`
	Title              string     `json:"title"`
	OriginalURL        string     `json:"original_url"`
	CanonicalURL       string     `json:"canonical_url"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	PublishedAtSource  string     `json:"published_at_source,omitempty"`
	IngestedAt         time.Time  `json:"ingested_at"`
	Author             string     `json:"author,omitempty"`
	Summary            string     `json:"summary,omitempty"`
	ContentText        string     `json:"content_text,omitempty"`
	ContentHTMLExcerpt string     `json:"content_html_excerpt,omitempty"`
	ContentFetchedAt   *time.Time `json:"content_fetched_at,omitempty"`
	ContentError       string     `json:"content_error,omitempty"`
	ContentFingerprint string     `json:"content_fingerprint,omitempty"`
	SummaryLLM         string     `json:"summary_llm,omitempty"`
	SummaryModel       string     `json:"summary_model,omitempty"`
	SummaryError       string     `json:"summary_error,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	PublishedMDPath    string     `json:"published_md_path,omitempty"`
}

// BestDate returns published_at when known, otherwise the ingest time.
func (a *Article) BestDate() time.Time {
	if a.PublishedAt != nil {
		return *a.PublishedAt
	}
	return a.IngestedAt
}

// ShortID returns the 8-character prefix of the article ID, used in
// generated Markdown filenames.
func (a *Article) ShortID() string {
	if len(a.ID) < 8 {
		return a.ID
	}
	return a.ID[:8]
}

// StableID derives the stable article identifier from the canonical URL
// and the owning source.
func StableID(canonicalURL, sourceID string) string {
	sum := sha256.Sum256([]byte(canonicalURL + "\x00" + sourceID))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes normalized article text for cross-source grouping.
func Fingerprint(title, body string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + body))
	return hex.EncodeToString(sum[:16])
}

// DecisionVerdict is the outcome of evaluating one feed entry.
type DecisionVerdict string

const (
	DecisionAccept DecisionVerdict = "accept"
	DecisionSkip   DecisionVerdict = "skip"
)

// Stable decision reasons surfaced by ingest and test-source.
const (
	ReasonMissingURL  = "missing_url"
	ReasonDuplicate   = "duplicate"
	ReasonAllowMiss   = "allow_keywords:miss"
	ReasonDenyPrefix  = "deny_keywords:"
	ReasonCVEExplicit = "rule.cve.explicit"
)

// Decision explains why an entry was accepted or skipped. The test-source
// operation returns these verbatim so operators can debug filters.
type Decision struct {
	Verdict           DecisionVerdict `json:"decision"`
	Reasons           []string        `json:"reasons,omitempty"`
	Title             string          `json:"title"`
	OriginalURL       string          `json:"original_url,omitempty"`
	CanonicalURL      string          `json:"canonical_url,omitempty"`
	ArticleID         string          `json:"article_id,omitempty"`
	PublishedAt       *time.Time      `json:"published_at,omitempty"`
	PublishedAtSource string          `json:"published_at_source,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
}
