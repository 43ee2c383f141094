// Package model defines the core entities shared across SemperVigil
// subsystems: jobs, sources, articles, CVEs, events, and the error
// taxonomy the worker loop uses to decide retries.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job status values persisted in the jobs table.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no worker will touch the job again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Job type names. Every durable pipeline transition is one of these.
const (
	JobIngestDueSources = "ingest_due_sources"
	JobIngestSource     = "ingest_source"
	JobFetchContent     = "fetch_article_content"
	JobSummarizeArticle = "summarize_article_llm"
	JobWriteMarkdown    = "write_article_markdown"
	JobDeriveEvents     = "derive_events_from_articles"
	JobCveSync          = "cve_sync"
	JobEventsRebuild    = "events_rebuild"
	JobEventsPurge      = "events_purge"
	JobBuildSite        = "build_site"
	JobBuildDailyBrief  = "build_daily_brief"
)

// FetchClassTypes lists the job types served by the fetch worker class.
var FetchClassTypes = []string{
	JobIngestDueSources,
	JobIngestSource,
	JobFetchContent,
	JobWriteMarkdown,
	JobDeriveEvents,
	JobCveSync,
	JobEventsRebuild,
	JobEventsPurge,
	JobBuildSite,
	JobBuildDailyBrief,
}

// KnownJobType reports whether name is a registered job type.
func KnownJobType(name string) bool {
	switch name {
	case JobIngestDueSources, JobIngestSource, JobFetchContent,
		JobSummarizeArticle, JobWriteMarkdown, JobDeriveEvents,
		JobCveSync, JobEventsRebuild, JobEventsPurge,
		JobBuildSite, JobBuildDailyBrief:
		return true
	}
	return false
}

// LLMClassTypes lists the job types served by the llm worker class,
// kept separate so rate-limited LLM spend cannot starve general work.
var LLMClassTypes = []string{JobSummarizeArticle}

// Job is a durable unit of work claimed by workers under a lease.
type Job struct {
	ID              string          `json:"id"`
	JobType         string          `json:"job_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          JobStatus       `json:"status"`
	Priority        int             `json:"priority"`
	RequestedAt     time.Time       `json:"requested_at"`
	RunAfter        time.Time       `json:"run_after"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// EnqueueRequest captures the options accepted when queueing a job.
type EnqueueRequest struct {
	JobType        string
	Payload        any
	Priority       int
	RunAfter       time.Time
	MaxAttempts    int
	IdempotencyKey string
}

// Pipeline stages that can be routed to an LLM profile.
const (
	StageSummarizeArticle = "summarize_article"
	StageDailyBrief       = "daily_brief"
)

// LLMRun is an append-only record of one provider call, successful or not.
type LLMRun struct {
	ID           int64     `json:"id"`
	TS           time.Time `json:"ts"`
	ProfileID    string    `json:"profile_id"`
	ProviderID   string    `json:"provider_id"`
	ModelID      string    `json:"model_id"`
	PromptName   string    `json:"prompt_name"`
	InputChars   int       `json:"input_chars"`
	OutputChars  int       `json:"output_chars"`
	PromptTokens int       `json:"prompt_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMS    int64     `json:"latency_ms"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
}
