package content

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Store is the slice of the persistence layer this stage needs.
type Store interface {
	GetArticle(ctx context.Context, id string) (*model.Article, error)
	GetSource(ctx context.Context, id string) (*model.Source, error)
	SetArticleContent(ctx context.Context, id, text, htmlExcerpt, fingerprint string, at time.Time) error
	SetArticleContentError(ctx context.Context, id, errMsg string) error
}

// Enqueuer hands downstream jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)
}

// Router reports whether a pipeline stage has an LLM profile routed.
type Router interface {
	Routed(ctx context.Context, stage string) (bool, error)
}

// Handler implements the fetch_article_content job.
type Handler struct {
	store   Store
	enq     Enqueuer
	fetcher PageFetcher
	router  Router
	logger  *zap.Logger
}

// NewHandler builds the stage handler.
func NewHandler(st Store, enq Enqueuer, fetcher PageFetcher, router Router, logger *zap.Logger) *Handler {
	return &Handler{store: st, enq: enq, fetcher: fetcher, router: router, logger: logger}
}

// Result is the fetch_article_content job result.
type Result struct {
	ArticleID string `json:"article_id"`
	Skipped   string `json:"skipped,omitempty"`
	TextChars int    `json:"text_chars,omitempty"`
	Next      string `json:"next,omitempty"`
}

type payload struct {
	ArticleID string `json:"article_id"`
}

// Handle fetches the article page, stores readable text, and enqueues
// the next stage. Content stays optional per source; when disabled the
// article goes straight to the next stage with its feed summary.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.ArticleID == "" {
		return nil, model.Errf(model.KindValidation, "fetch_article_content: payload needs article_id")
	}
	article, err := h.store.GetArticle(ctx, p.ArticleID)
	if err != nil {
		return nil, err
	}
	src, err := h.store.GetSource(ctx, article.SourceID)
	if err != nil {
		return nil, err
	}

	result := Result{ArticleID: article.ID}
	fetchFull := src.Overrides.FetchFullContent == nil || *src.Overrides.FetchFullContent
	if fetchFull {
		page, err := h.fetcher.FetchPage(ctx, article.CanonicalURL)
		if err != nil {
			if serr := h.store.SetArticleContentError(ctx, article.ID, err.Error()); serr != nil {
				h.logger.Error("record content error", zap.String("article_id", article.ID), zap.Error(serr))
			}
			return nil, err
		}
		extracted, err := Extract(page.Body)
		if err != nil {
			if serr := h.store.SetArticleContentError(ctx, article.ID, err.Error()); serr != nil {
				h.logger.Error("record content error", zap.String("article_id", article.ID), zap.Error(serr))
			}
			return nil, err
		}
		fingerprint := model.Fingerprint(article.Title, extracted.Text)
		if err := h.store.SetArticleContent(ctx, article.ID, extracted.Text, extracted.HTMLExcerpt, fingerprint, time.Now().UTC()); err != nil {
			return nil, err
		}
		result.TextChars = len(extracted.Text)
	} else {
		result.Skipped = "fetch_full_content disabled"
	}

	next, err := h.nextStage(ctx)
	if err != nil {
		return nil, err
	}
	result.Next = next
	body, _ := json.Marshal(map[string]string{"article_id": article.ID})
	_, err = h.enq.Enqueue(ctx, model.EnqueueRequest{
		JobType:        next,
		Payload:        json.RawMessage(body),
		IdempotencyKey: next + ":" + article.ID,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// nextStage picks summarization when a profile is routed, otherwise the
// article publishes with whatever summary ingest captured.
func (h *Handler) nextStage(ctx context.Context) (string, error) {
	routed, err := h.router.Routed(ctx, model.StageSummarizeArticle)
	if err != nil {
		return "", err
	}
	if routed {
		return model.JobSummarizeArticle, nil
	}
	return model.JobWriteMarkdown, nil
}
