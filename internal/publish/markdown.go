// Package publish renders articles to Markdown with front-matter,
// maintains the JSON search indexes, and drives the debounced static
// site builds.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sempervigil/sempervigil/internal/model"
	"github.com/sempervigil/sempervigil/internal/store"
)

// Store is the slice of the persistence layer publishing reads.
type Store interface {
	GetArticle(ctx context.Context, id string) (*model.Article, error)
	SetArticlePublishedPath(ctx context.Context, id, path string) error
	ListArticles(ctx context.Context, f store.ArticleFilter) ([]model.Article, error)
	ListCVEs(ctx context.Context, limit int) ([]model.CVE, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
}

// Queue lets publishing coalesce site builds.
type Queue interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)
	HasActiveJob(ctx context.Context, jobType string) (bool, error)
}

// Config locates the site tree and tunes the build debounce.
type Config struct {
	ContentDir string
	DataDir    string
	SiteDir    string
	OutputDir  string
	CacheDir   string
	BuilderCmd string
	BuildDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BuilderCmd == "" {
		c.BuilderCmd = "hugo"
	}
	if c.BuildDelay <= 0 {
		c.BuildDelay = 30 * time.Second
	}
	return c
}

// Publisher implements write_article_markdown, build_site, and
// build_daily_brief.
type Publisher struct {
	store  Store
	queue  Queue
	cfg    Config
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewPublisher builds the handler set.
func NewPublisher(st Store, q Queue, cfg Config, logger *zap.Logger) *Publisher {
	return &Publisher{store: st, queue: q, cfg: cfg.withDefaults(), logger: logger, nowFn: time.Now}
}

// frontMatter is the YAML header of a published article.
type frontMatter struct {
	Title        string   `yaml:"title"`
	Date         string   `yaml:"date"`
	Source       string   `yaml:"source"`
	Author       string   `yaml:"author,omitempty"`
	CanonicalURL string   `yaml:"canonical_url"`
	Tags         []string `yaml:"tags,omitempty"`
	Summary      string   `yaml:"summary,omitempty"`
}

type writePayload struct {
	ArticleID string `json:"article_id"`
}

// WriteResult is the write_article_markdown job result.
type WriteResult struct {
	ArticleID string `json:"article_id"`
	Path      string `json:"path"`
}

// HandleWriteMarkdown renders one article to the content directory and
// schedules a debounced build. The output is deterministic for a given
// article row, so reruns rewrite the same bytes at the same path.
func (p *Publisher) HandleWriteMarkdown(ctx context.Context, raw json.RawMessage) (any, error) {
	var payload writePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ArticleID == "" {
		return nil, model.Errf(model.KindValidation, "write_article_markdown: article_id required")
	}

	article, err := p.store.GetArticle(ctx, payload.ArticleID)
	if err != nil {
		return nil, err
	}

	relPath := articlePath(article)
	body, err := renderArticle(article)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(p.cfg.ContentDir, relPath), body); err != nil {
		return nil, model.WrapErr(model.KindTransient, err, "write markdown")
	}
	if err := p.store.SetArticlePublishedPath(ctx, article.ID, relPath); err != nil {
		return nil, err
	}

	if _, err := p.queue.Enqueue(ctx, model.EnqueueRequest{
		JobType:        model.JobDeriveEvents,
		Payload:        map[string]string{"article_id": article.ID},
		IdempotencyKey: model.JobDeriveEvents + ":" + article.ID,
	}); err != nil {
		return nil, err
	}
	if err := p.ScheduleBuild(ctx); err != nil {
		return nil, err
	}

	p.logger.Info("article published",
		zap.String("article_id", article.ID), zap.String("path", relPath))
	return WriteResult{ArticleID: article.ID, Path: relPath}, nil
}

// ScheduleBuild enqueues a delayed build_site unless one is already
// queued or running, so a burst of writers yields a single build.
func (p *Publisher) ScheduleBuild(ctx context.Context) error {
	active, err := p.queue.HasActiveJob(ctx, model.JobBuildSite)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	_, err = p.queue.Enqueue(ctx, model.EnqueueRequest{
		JobType:        model.JobBuildSite,
		RunAfter:       p.nowFn().Add(p.cfg.BuildDelay),
		IdempotencyKey: model.JobBuildSite,
	})
	return err
}

func renderArticle(a *model.Article) ([]byte, error) {
	summary := a.SummaryLLM
	if summary == "" {
		summary = a.Summary
	}
	fm := frontMatter{
		Title:        a.Title,
		Date:         a.BestDate().UTC().Format("2006-01-02"),
		Source:       a.SourceID,
		Author:       a.Author,
		CanonicalURL: a.CanonicalURL,
		Tags:         a.Tags,
		Summary:      summary,
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, model.WrapErr(model.KindPermanent, err, "marshal front matter")
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "[Read the original](%s)\n", a.CanonicalURL)
	return []byte(b.String()), nil
}

func articlePath(a *model.Article) string {
	return fmt.Sprintf("%s-%s-%s.md",
		a.BestDate().UTC().Format("2006-01-02"), slugify(a.Title), a.ShortID())
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify keeps filenames stable and shell-safe; the short id suffix
// disambiguates collisions.
func slugify(title string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 64 {
		s = strings.Trim(s[:64], "-")
	}
	if s == "" {
		s = "untitled"
	}
	return s
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
