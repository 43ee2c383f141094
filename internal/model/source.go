package model

import "time"

// SourceKind selects the fetch/parse strategy for a source.
type SourceKind string

// Supported source kinds.
const (
	SourceKindRSS      SourceKind = "rss"
	SourceKindAtom     SourceKind = "atom"
	SourceKindJSONFeed SourceKind = "jsonfeed"
	SourceKindHTML     SourceKind = "html"
)

// Valid reports whether the kind is one this system can ingest.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindRSS, SourceKindAtom, SourceKindJSONFeed, SourceKindHTML:
		return true
	}
	return false
}

// DateStrategy controls how published_at is derived from feed entries.
type DateStrategy string

const (
	DatePublishedThenUpdated DateStrategy = "published_then_updated"
	DateUpdatedThenPublished DateStrategy = "updated_then_published"
	DatePublishedOnly        DateStrategy = "published_only"
	DateUpdatedOnly          DateStrategy = "updated_only"
)

// PublishedAtSource records which entry field supplied published_at.
const (
	PublishedAtFromPublished = "published"
	PublishedAtFromModified  = "modified"
	PublishedAtGuessed       = "guessed"
)

// TagRules derives tags from entry text via regex include/exclude rules.
type TagRules struct {
	Defaults  []string            `json:"defaults,omitempty"`
	Normalize map[string]string   `json:"normalize,omitempty"`
	IncludeIf map[string][]string `json:"include_if,omitempty"`
	ExcludeIf map[string][]string `json:"exclude_if,omitempty"`
}

// SourceOverrides are the per-source knobs layered over the global
// ingest configuration. Zero values mean "use the global setting".
type SourceOverrides struct {
	UserAgent           string            `json:"user_agent,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	TimeoutSeconds      int               `json:"timeout_seconds,omitempty"`
	AllowKeywords       []string          `json:"allow_keywords,omitempty"`
	DenyKeywords        []string          `json:"deny_keywords,omitempty"`
	RequestsPerSecond   float64           `json:"requests_per_second,omitempty"`
	MinIntervalSeconds  int               `json:"min_interval_seconds,omitempty"`
	DateStrategy        DateStrategy      `json:"date_strategy,omitempty"`
	PreferEntrySummary  *bool             `json:"prefer_entry_summary,omitempty"`
	FetchFullContent    *bool             `json:"fetch_full_content,omitempty"`
	HTMLItemSelector    string            `json:"html_item_selector,omitempty"`
	HTMLTitleSelector   string            `json:"html_title_selector,omitempty"`
	HTMLLinkSelector    string            `json:"html_link_selector,omitempty"`
	HTMLSummarySelector string            `json:"html_summary_selector,omitempty"`
	Tags                TagRules          `json:"tags,omitempty"`
}

// Source is a configured upstream feed or page with ingestion rules.
type Source struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Kind            SourceKind      `json:"kind"`
	URL             string          `json:"url"`
	Enabled         bool            `json:"enabled"`
	IntervalMinutes int             `json:"interval_minutes"`
	Tags            []string        `json:"tags,omitempty"`
	PauseUntil      *time.Time      `json:"pause_until,omitempty"`
	PausedReason    string          `json:"paused_reason,omitempty"`
	Overrides       SourceOverrides `json:"overrides"`
	ETag            string          `json:"etag,omitempty"`
	LastModified    string          `json:"last_modified,omitempty"`
	LastFetchAt     *time.Time      `json:"last_fetch_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Paused reports whether the scheduler must skip this source at t.
func (s *Source) Paused(t time.Time) bool {
	return s.PauseUntil != nil && s.PauseUntil.After(t)
}

// SourceHealth is one append-only record of an ingest run.
//
// Invariant: AcceptedCount <= FoundCount and
// SeenCount+FilteredCount+AcceptedCount <= FoundCount; the remainder is
// items dropped for missing URLs.
type SourceHealth struct {
	ID            int64     `json:"id"`
	SourceID      string    `json:"source_id"`
	TS            time.Time `json:"ts"`
	OK            bool      `json:"ok"`
	HTTPStatus    int       `json:"http_status,omitempty"`
	FoundCount    int       `json:"found_count"`
	AcceptedCount int       `json:"accepted_count"`
	SeenCount     int       `json:"seen_count"`
	FilteredCount int       `json:"filtered_count"`
	DurationMS    int64     `json:"duration_ms"`
	LastError     string    `json:"last_error,omitempty"`
}

// SourceStreaks summarizes recent health history for auto-pause decisions.
type SourceStreaks struct {
	ConsecutiveErrors int `json:"consecutive_errors"`
	ConsecutiveZero   int `json:"consecutive_zero"`
}
