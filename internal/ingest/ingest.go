// Package ingest turns configured sources into normalized articles. It
// owns feed fetching, parsing, URL canonicalization, keyword filtering,
// explicit CVE extraction, and the per-source health and auto-pause
// bookkeeping.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/metrics"
	"github.com/sempervigil/sempervigil/internal/model"
)

// Store is the slice of the persistence layer ingest drives.
type Store interface {
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListDueSources(ctx context.Context, now time.Time) ([]model.Source, error)
	TouchSourceFetch(ctx context.Context, id, etag, lastModified string, at time.Time) error
	PauseSource(ctx context.Context, id string, until time.Time, reason string) error
	ArticleExists(ctx context.Context, sourceID, id string) (bool, error)
	InsertArticle(ctx context.Context, a *model.Article) (bool, error)
	UpsertCVEStub(ctx context.Context, cveID string, seenAt time.Time) error
	LinkArticleCVE(ctx context.Context, link *model.ArticleCVE) error
	AppendSourceHealth(ctx context.Context, h *model.SourceHealth) error
	SourceStreaks(ctx context.Context, sourceID string, lookback int) (model.SourceStreaks, error)
}

// Enqueuer hands downstream jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)
}

// Config holds the global ingest policy knobs; per-source overrides win.
type Config struct {
	ErrorStreakPause int
	ZeroStreakPause  int
	AutoPauseMinutes int
	MaxItemsPerPoll  int
}

func (c Config) withDefaults() Config {
	if c.ErrorStreakPause <= 0 {
		c.ErrorStreakPause = 5
	}
	if c.ZeroStreakPause <= 0 {
		c.ZeroStreakPause = 5
	}
	if c.AutoPauseMinutes <= 0 {
		c.AutoPauseMinutes = 1440
	}
	if c.MaxItemsPerPoll <= 0 {
		c.MaxItemsPerPoll = 200
	}
	return c
}

// Ingestor implements the ingest job handlers.
type Ingestor struct {
	store   Store
	enq     Enqueuer
	fetcher *Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New builds an Ingestor.
func New(st Store, enq Enqueuer, fetcher *Fetcher, cfg Config, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		store:   st,
		enq:     enq,
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// DueSourcesResult is the ingest_due_sources job result.
type DueSourcesResult struct {
	Due      int `json:"due"`
	Enqueued int `json:"enqueued"`
}

// HandleIngestDueSources fans one ingest_source job out per due source.
// The idempotency key keeps a slow source from piling up jobs.
func (in *Ingestor) HandleIngestDueSources(ctx context.Context, _ json.RawMessage) (any, error) {
	now := time.Now().UTC()
	due, err := in.store.ListDueSources(ctx, now)
	if err != nil {
		return nil, err
	}
	result := DueSourcesResult{Due: len(due)}
	for i := range due {
		src := &due[i]
		payload, _ := json.Marshal(map[string]string{"source_id": src.ID})
		_, err := in.enq.Enqueue(ctx, model.EnqueueRequest{
			JobType:        model.JobIngestSource,
			Payload:        json.RawMessage(payload),
			IdempotencyKey: model.JobIngestSource + ":" + src.ID,
		})
		if err != nil {
			return nil, err
		}
		result.Enqueued++
	}
	return result, nil
}

// SourceResult is the ingest_source job result.
type SourceResult struct {
	SourceID    string `json:"source_id"`
	Skipped     string `json:"skipped,omitempty"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	NotModified bool   `json:"not_modified,omitempty"`
	Found       int    `json:"found"`
	Accepted    int    `json:"accepted"`
	Seen        int    `json:"seen"`
	Filtered    int    `json:"filtered"`
}

type sourcePayload struct {
	SourceID string `json:"source_id"`
}

// HandleIngestSource runs the full ingest pipeline for one source.
func (in *Ingestor) HandleIngestSource(ctx context.Context, payload json.RawMessage) (any, error) {
	var p sourcePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SourceID == "" {
		return nil, model.Errf(model.KindValidation, "ingest_source: payload needs source_id")
	}
	src, err := in.store.GetSource(ctx, p.SourceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	logger := in.logger.With(zap.String("source_id", src.ID))
	if src.Paused(now) {
		logger.Info("source paused, skipping run",
			zap.Timep("pause_until", src.PauseUntil), zap.String("reason", src.PausedReason))
		return SourceResult{SourceID: src.ID, Skipped: "paused"}, nil
	}

	started := time.Now()
	fetched, fetchErr := in.fetcher.Fetch(ctx, src)
	if fetchErr != nil {
		health := &model.SourceHealth{
			SourceID:   src.ID,
			TS:         now,
			OK:         false,
			DurationMS: time.Since(started).Milliseconds(),
			LastError:  fetchErr.Error(),
		}
		if fetched != nil {
			health.HTTPStatus = fetched.Status
		}
		if err := in.store.AppendSourceHealth(ctx, health); err != nil {
			logger.Error("record source health", zap.Error(err))
		}
		metrics.ObserveSourcePoll(src.ID, "fetch_error")
		in.maybeAutoPause(ctx, src, now, logger)
		return nil, fetchErr
	}

	result := SourceResult{SourceID: src.ID, HTTPStatus: fetched.Status, NotModified: fetched.NotModified}
	health := &model.SourceHealth{SourceID: src.ID, TS: now, OK: true, HTTPStatus: fetched.Status}

	if !fetched.NotModified {
		parser, err := ParserFor(src.Kind)
		if err != nil {
			return nil, err
		}
		items, err := parser.Parse(fetched.Body, src)
		if err != nil {
			health.OK = false
			health.LastError = err.Error()
			health.DurationMS = time.Since(started).Milliseconds()
			if herr := in.store.AppendSourceHealth(ctx, health); herr != nil {
				logger.Error("record source health", zap.Error(herr))
			}
			metrics.ObserveSourcePoll(src.ID, "parse_error")
			in.maybeAutoPause(ctx, src, now, logger)
			return nil, err
		}
		if len(items) > in.cfg.MaxItemsPerPoll {
			items = items[:in.cfg.MaxItemsPerPoll]
		}
		result.Found = len(items)
		for _, item := range items {
			decision := in.evaluateItem(ctx, src, item, now, true)
			metrics.ObserveArticleDecision(string(decision.Verdict))
			switch {
			case decision.Verdict == model.DecisionAccept:
				if err := in.acceptItem(ctx, src, item, decision, now); err != nil {
					return nil, err
				}
				result.Accepted++
			case hasReason(decision.Reasons, model.ReasonDuplicate):
				result.Seen++
			case !hasReason(decision.Reasons, model.ReasonMissingURL):
				result.Filtered++
			}
		}
	}

	if err := in.store.TouchSourceFetch(ctx, src.ID, pickValidator(fetched.ETag, src.ETag), pickValidator(fetched.LastModified, src.LastModified), now); err != nil {
		return nil, err
	}

	health.FoundCount = result.Found
	health.AcceptedCount = result.Accepted
	health.SeenCount = result.Seen
	health.FilteredCount = result.Filtered
	health.DurationMS = time.Since(started).Milliseconds()
	if err := in.store.AppendSourceHealth(ctx, health); err != nil {
		return nil, err
	}
	outcome := "ok"
	if fetched.NotModified {
		outcome = "not_modified"
	}
	metrics.ObserveSourcePoll(src.ID, outcome)
	in.maybeAutoPause(ctx, src, now, logger)

	logger.Info("source ingested",
		zap.Int("found", result.Found), zap.Int("accepted", result.Accepted),
		zap.Int("seen", result.Seen), zap.Int("filtered", result.Filtered),
		zap.Bool("not_modified", result.NotModified))
	return result, nil
}

// TestSource runs the evaluation half of the pipeline in memory and
// returns a decision per item. Nothing is persisted.
func (in *Ingestor) TestSource(ctx context.Context, sourceID string) ([]model.Decision, error) {
	src, err := in.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	fetched, err := in.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	if fetched.NotModified {
		return []model.Decision{}, nil
	}
	parser, err := ParserFor(src.Kind)
	if err != nil {
		return nil, err
	}
	items, err := parser.Parse(fetched.Body, src)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	decisions := make([]model.Decision, 0, len(items))
	for _, item := range items {
		decisions = append(decisions, in.evaluateItem(ctx, src, item, now, false))
	}
	return decisions, nil
}

// evaluateItem normalizes one entry and decides accept or skip. Dedup
// lookups are read-only so test-source can share the path.
func (in *Ingestor) evaluateItem(ctx context.Context, src *model.Source, item Item, now time.Time, dedup bool) model.Decision {
	d := model.Decision{
		Verdict:     model.DecisionSkip,
		Title:       item.Title,
		OriginalURL: item.Link,
	}
	if strings.TrimSpace(item.Link) == "" {
		d.Reasons = []string{model.ReasonMissingURL}
		d.OriginalURL = ""
		return d
	}
	canonical, err := CanonicalURL(item.Link)
	if err != nil {
		d.Reasons = []string{model.ReasonMissingURL}
		return d
	}
	d.CanonicalURL = canonical
	d.ArticleID = model.StableID(canonical, src.ID)

	published, pubSource := BestPublishedAt(item, src.Overrides.DateStrategy)
	if published == nil {
		pubSource = model.PublishedAtGuessed
	}
	d.PublishedAt = published
	d.PublishedAtSource = pubSource

	if dedup {
		exists, err := in.store.ArticleExists(ctx, src.ID, d.ArticleID)
		if err == nil && exists {
			d.Reasons = []string{model.ReasonDuplicate}
			return d
		}
	}

	accept, reason := EvaluateKeywords(ItemText(item), src.Overrides)
	if !accept {
		d.Reasons = []string{reason}
		return d
	}
	d.Verdict = model.DecisionAccept
	if reason != "" {
		d.Reasons = []string{reason}
	}
	d.Tags = DeriveTags(ItemText(item), src.Tags, src.Overrides.Tags)
	return d
}

// acceptItem persists an accepted entry, links any explicit CVE ids,
// and enqueues the content fetch stage.
func (in *Ingestor) acceptItem(ctx context.Context, src *model.Source, item Item, d model.Decision, now time.Time) error {
	summary := StripHTML(item.Summary)
	body := StripHTML(item.Content)
	if src.Overrides.PreferEntrySummary != nil && !*src.Overrides.PreferEntrySummary && body != "" {
		summary = body
	}
	article := &model.Article{
		ID:                 d.ArticleID,
		SourceID:           src.ID,
		Title:              item.Title,
		OriginalURL:        item.Link,
		CanonicalURL:       d.CanonicalURL,
		PublishedAt:        d.PublishedAt,
		PublishedAtSource:  d.PublishedAtSource,
		IngestedAt:         now,
		Author:             strings.TrimSpace(item.Author),
		Summary:            summary,
		ContentFingerprint: model.Fingerprint(item.Title, summary+body),
		Tags:               d.Tags,
	}
	inserted, err := in.store.InsertArticle(ctx, article)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	for _, cveID := range ExtractCVEs(ItemText(item)) {
		if err := in.store.UpsertCVEStub(ctx, cveID, now); err != nil {
			return err
		}
		evidence, _ := json.Marshal(map[string]string{"cve_id": cveID, "matched_in": "title_or_body"})
		link := &model.ArticleCVE{
			ArticleID:  article.ID,
			CveID:      cveID,
			Confidence: 1.0,
			Band:       model.BandLinked,
			Reasons:    []string{model.ReasonCVEExplicit},
			Evidence:   evidence,
		}
		if err := in.store.LinkArticleCVE(ctx, link); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]string{"article_id": article.ID})
	_, err = in.enq.Enqueue(ctx, model.EnqueueRequest{
		JobType:        model.JobFetchContent,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: model.JobFetchContent + ":" + article.ID,
	})
	return err
}

// maybeAutoPause checks recent health streaks and pauses the source when
// either threshold is crossed. Failures here never fail the ingest run.
func (in *Ingestor) maybeAutoPause(ctx context.Context, src *model.Source, now time.Time, logger *zap.Logger) {
	lookback := in.cfg.ErrorStreakPause
	if in.cfg.ZeroStreakPause > lookback {
		lookback = in.cfg.ZeroStreakPause
	}
	streaks, err := in.store.SourceStreaks(ctx, src.ID, lookback+1)
	if err != nil {
		logger.Warn("read source streaks", zap.Error(err))
		return
	}
	var reason string
	switch {
	case streaks.ConsecutiveErrors >= in.cfg.ErrorStreakPause:
		reason = fmt.Sprintf("auto_pause:error_streak:%d", streaks.ConsecutiveErrors)
	case streaks.ConsecutiveZero >= in.cfg.ZeroStreakPause:
		reason = fmt.Sprintf("auto_pause:zero_streak:%d", streaks.ConsecutiveZero)
	default:
		return
	}
	until := now.Add(time.Duration(in.cfg.AutoPauseMinutes) * time.Minute)
	if err := in.store.PauseSource(ctx, src.ID, until, reason); err != nil {
		logger.Error("auto-pause source", zap.Error(err))
		return
	}
	logger.Warn("source auto-paused", zap.String("reason", reason), zap.Time("until", until))
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func pickValidator(fresh, previous string) string {
	if fresh != "" {
		return fresh
	}
	return previous
}
