package model

import (
	"encoding/json"
	"time"
)

// EventKind classifies how an event was formed.
type EventKind string

const (
	EventKindCVECluster    EventKind = "cve_cluster"
	EventKindIncident      EventKind = "incident"
	EventKindProductChange EventKind = "product_change"
	EventKindManual        EventKind = "manual"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventProposed EventStatus = "proposed"
	EventActive   EventStatus = "active"
	EventUpdating EventStatus = "updating"
	EventDormant  EventStatus = "dormant"
	EventClosed   EventStatus = "closed"
)

// Event groups related CVEs, products, and articles under one stable key
// such as "cve:CVE-2024-1234" or "cluster:<product_key>:<window_start>".
// Manual events are never auto-modified or purged.
type Event struct {
	ID          int64       `json:"id"`
	EventKey    string      `json:"event_key"`
	Kind        EventKind   `json:"kind"`
	Status      EventStatus `json:"status"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary,omitempty"`
	Severity    Severity    `json:"severity,omitempty"`
	Manual      bool        `json:"manual"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// EventCVE links a CVE to an event with scoring metadata.
type EventCVE struct {
	EventID    int64           `json:"event_id"`
	CveID      string          `json:"cve_id"`
	Confidence float64         `json:"confidence"`
	Band       string          `json:"confidence_band"`
	Reasons    []string        `json:"reasons,omitempty"`
	Evidence   json.RawMessage `json:"evidence_json,omitempty"`
}

// EventProduct links an affected product to an event.
type EventProduct struct {
	EventID    int64  `json:"event_id"`
	ProductKey string `json:"product_key"`
}

// EventArticle links an article to an event with scoring metadata.
type EventArticle struct {
	EventID    int64           `json:"event_id"`
	ArticleID  string          `json:"article_id"`
	Confidence float64         `json:"confidence"`
	Band       string          `json:"confidence_band"`
	Reasons    []string        `json:"reasons,omitempty"`
	Evidence   json.RawMessage `json:"evidence_json,omitempty"`
}
