// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sempervigil/sempervigil/internal/model"
)

var (
	jobsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec
	activeWorkers      prometheus.Gauge
	sourcePollsTotal   *prometheus.CounterVec
	articlesTotal      *prometheus.CounterVec
	cveChangesTotal    *prometheus.CounterVec
	llmRunsTotal       *prometheus.CounterVec
	llmLatencySeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sempervigil_jobs_total",
				Help: "Jobs finished, labeled by type and terminal status.",
			},
			[]string{"job_type", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sempervigil_job_duration_seconds",
				Help:    "Histogram of job handler runtimes, labeled by type.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"job_type"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sempervigil_active_workers",
				Help: "Worker slots currently running a job.",
			},
		)

		sourcePollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sempervigil_source_polls_total",
				Help: "Feed polls, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		articlesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sempervigil_articles_total",
				Help: "Articles processed by ingest, labeled by decision.",
			},
			[]string{"decision"},
		)

		cveChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sempervigil_cve_changes_total",
				Help: "CVE journal rows written, labeled by change type.",
			},
			[]string{"change_type"},
		)

		llmRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sempervigil_llm_runs_total",
				Help: "LLM provider calls, labeled by model and outcome.",
			},
			[]string{"model", "outcome"},
		)

		llmLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sempervigil_llm_latency_seconds",
				Help:    "Histogram of LLM call latencies, labeled by model.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		)
	})
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// QueueObserver adapts the collectors to the worker pool's hook points.
type QueueObserver struct{}

// NewQueueObserver registers collectors and returns the adapter.
func NewQueueObserver() *QueueObserver {
	Init()
	return &QueueObserver{}
}

// JobStarted marks a slot busy.
func (QueueObserver) JobStarted(string) {
	activeWorkers.Inc()
}

// JobFinished records the terminal status and frees the slot. A
// JobStatusQueued status means the job was requeued for retry.
func (QueueObserver) JobFinished(jobType string, status model.JobStatus, duration time.Duration) {
	activeWorkers.Dec()
	jobsTotal.WithLabelValues(jobType, string(status)).Inc()
	jobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// ObserveSourcePoll counts one feed poll.
func ObserveSourcePoll(sourceID, outcome string) {
	Init()
	sourcePollsTotal.WithLabelValues(sourceID, outcome).Inc()
}

// ObserveArticleDecision counts one ingest decision.
func ObserveArticleDecision(decision string) {
	Init()
	articlesTotal.WithLabelValues(decision).Inc()
}

// ObserveCVEChange counts one journal row.
func ObserveCVEChange(changeType string) {
	Init()
	cveChangesTotal.WithLabelValues(changeType).Inc()
}

// ObserveLLMRun records one provider call.
func ObserveLLMRun(modelID string, ok bool, latency time.Duration) {
	Init()
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	llmRunsTotal.WithLabelValues(modelID, outcome).Inc()
	llmLatencySeconds.WithLabelValues(modelID).Observe(latency.Seconds())
}
