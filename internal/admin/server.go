// Package admin exposes the internal HTTP command surface: job control,
// source management, runtime config patches, and destructive
// maintenance actions. It is meant to sit behind the operator network,
// guarded by an API key.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
	"github.com/sempervigil/sempervigil/internal/store"
)

// Store is the persistence surface the admin API drives.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error)
	RequestCancel(ctx context.Context, jobID string) (model.JobStatus, error)
	CancelAll(ctx context.Context) (int64, int64, error)
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)

	UpsertSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	ResumeSource(ctx context.Context, id string) error
	DeleteSource(ctx context.Context, id string) error
	RecentSourceHealth(ctx context.Context, sourceID string, limit int) ([]model.SourceHealth, error)

	RuntimeConfig(ctx context.Context) (*store.RuntimeSnapshot, error)
	PatchRuntimeConfig(ctx context.Context, patch map[string]json.RawMessage) (*store.RuntimeSnapshot, error)
	ClearContentByType(ctx context.Context, contentType string) (int64, error)
	ListLLMRuns(ctx context.Context, limit int) ([]model.LLMRun, error)
	PutProviderSecret(ctx context.Context, providerID, wrapped string) error
}

// SourceTester previews ingest decisions without persisting.
type SourceTester interface {
	TestSource(ctx context.Context, sourceID string) ([]model.Decision, error)
}

// SecretKeeper wraps provider API keys before they reach the database.
type SecretKeeper interface {
	Wrap(plaintext string) (string, error)
}

// Config controls the admin server.
type Config struct {
	APIKey  string
	Timeout time.Duration
}

// Server routes admin commands to the store and queue.
type Server struct {
	router chi.Router
	store  Store
	tester SourceTester
	keeper SecretKeeper
	logger *zap.Logger
}

// NewServer wires middleware and routes.
func NewServer(st Store, tester SourceTester, keeper SecretKeeper, cfg Config, logger *zap.Logger) *Server {
	s := &Server{store: st, tester: tester, keeper: keeper, logger: logger}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.enqueueJob)
			r.Post("/cancel-all", s.cancelAll)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Put("/", s.upsertSource)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Delete("/", s.deleteSource)
				r.Get("/health", s.sourceHealth)
				r.Post("/resume", s.resumeSource)
				r.Post("/test", s.testSource)
			})
		})
		r.Route("/config", func(r chi.Router) {
			r.Get("/", s.getRuntimeConfig)
			r.Patch("/", s.patchRuntimeConfig)
		})
		r.Post("/cve-sync", s.runCVESync)
		r.Post("/events/rebuild", s.rebuildEvents)
		r.Post("/events/purge", s.purgeEvents)
		r.Post("/content/clear", s.clearContent)
		r.Get("/llm/runs", s.listLLMRuns)
		r.Put("/llm/secrets/{provider_id}", s.putProviderSecret)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	RunAfter       *time.Time      `json:"run_after,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.KindValidation, "invalid JSON")
		return
	}
	if !model.KnownJobType(req.JobType) {
		writeError(w, model.KindValidation, "unknown job_type "+strconv.Quote(req.JobType))
		return
	}
	enq := model.EnqueueRequest{
		JobType:        req.JobType,
		Payload:        req.Payload,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.RunAfter != nil {
		enq.RunAfter = *req.RunAfter
	}
	job, err := s.store.Enqueue(r.Context(), enq)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	f := store.JobFilter{
		Status:  r.URL.Query().Get("status"),
		JobType: r.URL.Query().Get("job_type"),
		Limit:   queryUint(r, "limit", 100),
		Offset:  queryUint(r, "offset", 0),
	}
	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	status, err := s.store.RequestCancel(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(status)})
}

func (s *Server) cancelAll(w http.ResponseWriter, r *http.Request) {
	canceled, signaled, err := s.store.CancelAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"canceled": canceled, "signaled": signaled})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) upsertSource(w http.ResponseWriter, r *http.Request) {
	var src model.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, model.KindValidation, "invalid JSON")
		return
	}
	if err := s.store.UpsertSource(r.Context(), &src); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetSource(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src})
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if err := s.store.DeleteSource(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "status": "deleted"})
}

func (s *Server) resumeSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if err := s.store.ResumeSource(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "status": "resumed"})
}

func (s *Server) sourceHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	runs, err := s.store.RecentSourceHealth(r.Context(), id, int(queryUint(r, "limit", 20)))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "runs": runs})
}

func (s *Server) testSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	decisions, err := s.tester.TestSource(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "decisions": decisions})
}

func (s *Server) getRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.RuntimeConfig(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "config": snap.Data})
}

func (s *Server) patchRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, model.KindValidation, "invalid JSON")
		return
	}
	snap, err := s.store.PatchRuntimeConfig(r.Context(), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "config": snap.Data})
}

func (s *Server) runCVESync(w http.ResponseWriter, r *http.Request) {
	s.enqueueFixed(w, r, model.JobCveSync)
}

func (s *Server) rebuildEvents(w http.ResponseWriter, r *http.Request) {
	s.enqueueFixed(w, r, model.JobEventsRebuild)
}

func (s *Server) purgeEvents(w http.ResponseWriter, r *http.Request) {
	s.enqueueFixed(w, r, model.JobEventsPurge)
}

// enqueueFixed covers the run-now commands, deduplicated so repeated
// clicks collapse into one queued job.
func (s *Server) enqueueFixed(w http.ResponseWriter, r *http.Request, jobType string) {
	job, err := s.store.Enqueue(r.Context(), model.EnqueueRequest{
		JobType:        jobType,
		IdempotencyKey: jobType,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

type clearContentRequest struct {
	ContentType string `json:"content_type"`
	Confirm     bool   `json:"confirm"`
}

func (s *Server) clearContent(w http.ResponseWriter, r *http.Request) {
	var req clearContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.KindValidation, "invalid JSON")
		return
	}
	if !req.Confirm {
		writeError(w, model.KindValidation, "confirm must be true for destructive actions")
		return
	}
	deleted, err := s.store.ClearContentByType(r.Context(), req.ContentType)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.logger.Warn("content cleared",
		zap.String("content_type", req.ContentType), zap.Int64("deleted", deleted))
	writeJSON(w, http.StatusOK, map[string]any{"content_type": req.ContentType, "deleted": deleted})
}

func (s *Server) listLLMRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListLLMRuns(r.Context(), int(queryUint(r, "limit", 50)))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type providerSecretRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) putProviderSecret(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider_id")
	var req providerSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeError(w, model.KindValidation, "api_key required")
		return
	}
	wrapped, err := s.keeper.Wrap(req.APIKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.PutProviderSecret(r.Context(), providerID, wrapped); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider_id": providerID, "status": "stored"})
}

func queryUint(r *http.Request, key string, def uint64) uint64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return def
	}
	return v
}
