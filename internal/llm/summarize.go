package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/metrics"
	"github.com/sempervigil/sempervigil/internal/model"
)

// Store is the slice of the persistence layer summarization needs.
type Store interface {
	GetArticle(ctx context.Context, id string) (*model.Article, error)
	SetArticleSummary(ctx context.Context, id, summary, modelID string) error
	SetArticleSummaryError(ctx context.Context, id, errMsg string) error
	AppendLLMRun(ctx context.Context, run *model.LLMRun) error
}

// Enqueuer hands downstream jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)
}

// Summarizer implements the summarize_article_llm job.
type Summarizer struct {
	store    Store
	enq      Enqueuer
	provider Provider
	router   *Router
	maxInput int
	logger   *zap.Logger
}

// NewSummarizer builds the stage handler.
func NewSummarizer(st Store, enq Enqueuer, provider Provider, router *Router, maxInput int, logger *zap.Logger) *Summarizer {
	if maxInput <= 0 {
		maxInput = 24000
	}
	return &Summarizer{store: st, enq: enq, provider: provider, router: router, maxInput: maxInput, logger: logger}
}

// Result is the summarize_article_llm job result.
type Result struct {
	ArticleID string `json:"article_id"`
	Skipped   string `json:"skipped,omitempty"`
	Model     string `json:"model,omitempty"`
	Failed    string `json:"failed,omitempty"`
}

type payload struct {
	ArticleID string `json:"article_id"`
}

// Handle summarizes one article through the routed profile. Retryable
// provider failures bubble up so the queue spaces the next attempt;
// terminal failures follow the fail-open/fail-closed setting.
func (s *Summarizer) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.ArticleID == "" {
		return nil, model.Errf(model.KindValidation, "summarize_article_llm: payload needs article_id")
	}
	article, err := s.store.GetArticle(ctx, p.ArticleID)
	if err != nil {
		return nil, err
	}

	profile, routed, err := s.router.ProfileFor(ctx, model.StageSummarizeArticle)
	if err != nil {
		return nil, err
	}
	result := Result{ArticleID: article.ID}
	if !routed || profile.Model == "" {
		result.Skipped = "no profile routed"
		return result, s.enqueuePublish(ctx, article.ID)
	}

	input := article.ContentText
	if input == "" {
		input = article.Summary
	}
	if input == "" {
		input = article.Title
	}
	if len(input) > s.maxInput {
		input = input[:s.maxInput]
	}
	prompt := strings.ReplaceAll(profile.Prompt, "{{input}}", input)

	summary, modelID, err := s.complete(ctx, profile, prompt, len(input))
	if err != nil {
		if serr := s.store.SetArticleSummaryError(ctx, article.ID, err.Error()); serr != nil {
			s.logger.Error("record summary error", zap.String("article_id", article.ID), zap.Error(serr))
		}
		if model.ClassifyErr(err).Retryable() {
			return nil, err
		}
		if s.router.FailOpen(ctx) {
			s.logger.Warn("summarization failed, publishing without summary",
				zap.String("article_id", article.ID), zap.Error(err))
			result.Failed = err.Error()
			return result, s.enqueuePublish(ctx, article.ID)
		}
		return nil, err
	}

	if err := s.store.SetArticleSummary(ctx, article.ID, summary, modelID); err != nil {
		return nil, err
	}
	result.Model = modelID
	return result, s.enqueuePublish(ctx, article.ID)
}

// complete tries the primary model, then the fallback. When the profile
// carries a response schema, invalid JSON output gets one repair retry.
func (s *Summarizer) complete(ctx context.Context, profile Profile, prompt string, inputChars int) (string, string, error) {
	models := []string{profile.Model}
	if profile.FallbackModel != "" && profile.FallbackModel != profile.Model {
		models = append(models, profile.FallbackModel)
	}

	var lastErr error
	for _, modelID := range models {
		content, err := s.attempt(ctx, profile, modelID, prompt, inputChars)
		if err == nil && len(profile.Schema) > 0 && !json.Valid([]byte(content)) {
			repair := prompt + "\n\nYour previous reply was not valid JSON. Reply with valid JSON matching the schema and nothing else."
			content, err = s.attempt(ctx, profile, modelID, repair, inputChars)
			if err == nil && !json.Valid([]byte(content)) {
				err = model.Errf(model.KindPermanent, "model %s returned invalid JSON twice", modelID)
			}
		}
		if err == nil {
			return content, modelID, nil
		}
		lastErr = err
		if model.ClassifyErr(err) == model.KindCanceled {
			break
		}
	}
	return "", "", lastErr
}

// attempt makes one provider call and journals it.
func (s *Summarizer) attempt(ctx context.Context, profile Profile, modelID, prompt string, inputChars int) (string, error) {
	started := time.Now()
	resp, err := s.provider.Complete(ctx, Request{
		Model:          modelID,
		Messages:       []Message{{Role: "user", Content: prompt}},
		Temperature:    profile.Temperature,
		MaxTokens:      profile.MaxTokens,
		ResponseSchema: profile.Schema,
	})

	run := &model.LLMRun{
		TS:         time.Now().UTC(),
		ProfileID:  profile.ID,
		ProviderID: "openai",
		ModelID:    modelID,
		PromptName: profile.PromptName,
		InputChars: inputChars,
		LatencyMS:  time.Since(started).Milliseconds(),
		OK:         err == nil,
	}
	if err != nil {
		run.Error = err.Error()
	} else {
		run.OutputChars = len(resp.Content)
		run.PromptTokens = resp.PromptTokens
		run.OutputTokens = resp.CompletionTokens
	}
	if jerr := s.store.AppendLLMRun(ctx, run); jerr != nil {
		s.logger.Error("record llm run", zap.Error(jerr))
	}
	metrics.ObserveLLMRun(modelID, err == nil, time.Since(started))

	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", model.Errf(model.KindTransient, "model %s returned empty content", modelID)
	}
	return content, nil
}

func (s *Summarizer) enqueuePublish(ctx context.Context, articleID string) error {
	body, _ := json.Marshal(map[string]string{"article_id": articleID})
	_, err := s.enq.Enqueue(ctx, model.EnqueueRequest{
		JobType:        model.JobWriteMarkdown,
		Payload:        json.RawMessage(body),
		IdempotencyKey: model.JobWriteMarkdown + ":" + articleID,
	})
	return err
}
