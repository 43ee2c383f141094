package store

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/sempervigil/sempervigil/internal/model"
)

const articleColumns = `id, source_id, title, original_url, canonical_url, published_at,
	published_at_source, ingested_at, author, summary, content_text, content_html_excerpt,
	content_fetched_at, content_error, content_fingerprint, summary_llm, summary_model,
	summary_error, tags, published_md_path`

func scanArticle(row pgx.Row) (*model.Article, error) {
	var (
		a    model.Article
		tags []byte
	)
	err := row.Scan(
		&a.ID,
		&a.SourceID,
		&a.Title,
		&a.OriginalURL,
		&a.CanonicalURL,
		&a.PublishedAt,
		&a.PublishedAtSource,
		&a.IngestedAt,
		&a.Author,
		&a.Summary,
		&a.ContentText,
		&a.ContentHTMLExcerpt,
		&a.ContentFetchedAt,
		&a.ContentError,
		&a.ContentFingerprint,
		&a.SummaryLLM,
		&a.SummaryModel,
		&a.SummaryError,
		&tags,
		&a.PublishedMDPath,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &a.Tags); err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertArticle persists a newly ingested article. Returns false when a
// row with the same (source_id, id) already exists.
func (s *Store) InsertArticle(ctx context.Context, a *model.Article) (bool, error) {
	if a.ID == "" || a.SourceID == "" {
		return false, model.Errf(model.KindValidation, "article id and source_id are required")
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return false, model.Errf(model.KindValidation, "marshal tags: %v", err)
	}
	if a.Tags == nil {
		tags = []byte(`[]`)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO articles
			(id, source_id, title, original_url, canonical_url, published_at,
			 published_at_source, ingested_at, author, summary, content_fingerprint, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source_id, id) DO NOTHING`,
		a.ID, a.SourceID, a.Title, a.OriginalURL, a.CanonicalURL, a.PublishedAt,
		a.PublishedAtSource, a.IngestedAt, a.Author, a.Summary, a.ContentFingerprint, tags)
	if err != nil {
		return false, classify("insert article", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetArticle retrieves an article by its stable ID.
func (s *Store) GetArticle(ctx context.Context, id string) (*model.Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1 LIMIT 1`, id))
	if err == pgx.ErrNoRows {
		return nil, model.Errf(model.KindNotFound, "article %s", id)
	}
	if err != nil {
		return nil, classify("get article", err)
	}
	return a, nil
}

// ArticleExists reports whether the stable ID is already known for the
// source, used by ingest dedup.
func (s *Store) ArticleExists(ctx context.Context, sourceID, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM articles WHERE source_id = $1 AND id = $2)`,
		sourceID, id).Scan(&exists)
	if err != nil {
		return false, classify("check article", err)
	}
	return exists, nil
}

// SetArticleContent stores extracted readable text after a content fetch.
func (s *Store) SetArticleContent(ctx context.Context, id, text, htmlExcerpt, fingerprint string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE articles SET
			content_text = $1,
			content_html_excerpt = $2,
			content_fingerprint = $3,
			content_fetched_at = $4,
			content_error = ''
		WHERE id = $5`, text, htmlExcerpt, fingerprint, at, id)
	if err != nil {
		return classify("set article content", err)
	}
	return nil
}

// SetArticleContentError records a failed content fetch.
func (s *Store) SetArticleContentError(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE articles SET content_error = $1 WHERE id = $2`, errMsg, id)
	if err != nil {
		return classify("set article content error", err)
	}
	return nil
}

// SetArticleSummary stores a successful LLM summary.
func (s *Store) SetArticleSummary(ctx context.Context, id, summary, modelID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE articles SET summary_llm = $1, summary_model = $2, summary_error = ''
		WHERE id = $3`, summary, modelID, id)
	if err != nil {
		return classify("set article summary", err)
	}
	return nil
}

// SetArticleSummaryError records a failed summarization attempt.
func (s *Store) SetArticleSummaryError(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE articles SET summary_error = $1 WHERE id = $2`, errMsg, id)
	if err != nil {
		return classify("set article summary error", err)
	}
	return nil
}

// SetArticlePublishedPath records where the article's Markdown landed.
func (s *Store) SetArticlePublishedPath(ctx context.Context, id, path string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE articles SET published_md_path = $1 WHERE id = $2`, path, id)
	if err != nil {
		return classify("set article published path", err)
	}
	return nil
}

// LinkArticleCVE upserts one article-to-CVE link; re-runs are no-ops.
func (s *Store) LinkArticleCVE(ctx context.Context, link *model.ArticleCVE) error {
	reasons, err := json.Marshal(link.Reasons)
	if err != nil {
		return model.Errf(model.KindValidation, "marshal reasons: %v", err)
	}
	if link.Reasons == nil {
		reasons = []byte(`[]`)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO article_cves (article_id, cve_id, confidence, band, reasons, evidence_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (article_id, cve_id) DO NOTHING`,
		link.ArticleID, link.CveID, link.Confidence, link.Band, reasons, link.Evidence)
	if err != nil {
		return classify("link article cve", err)
	}
	return nil
}

// ArticleCVEs returns the CVE links for one article.
func (s *Store) ArticleCVEs(ctx context.Context, articleID string) ([]model.ArticleCVE, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT article_id, cve_id, confidence, band, reasons, evidence_json
		FROM article_cves WHERE article_id = $1 ORDER BY cve_id`, articleID)
	if err != nil {
		return nil, classify("list article cves", err)
	}
	defer rows.Close()
	return collectArticleCVEs(rows)
}

// ArticleCVELinksSince returns all article-to-CVE links whose article was
// ingested inside the clustering window, joined with the article's
// ingest time for event correlation.
func (s *Store) ArticleCVELinksSince(ctx context.Context, since time.Time) ([]model.ArticleCVE, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ac.article_id, ac.cve_id, ac.confidence, ac.band, ac.reasons, ac.evidence_json
		FROM article_cves ac
		JOIN articles a ON a.id = ac.article_id
		WHERE a.ingested_at >= $1
		ORDER BY ac.cve_id, ac.article_id`, since)
	if err != nil {
		return nil, classify("list article cve links", err)
	}
	defer rows.Close()
	return collectArticleCVEs(rows)
}

func collectArticleCVEs(rows pgx.Rows) ([]model.ArticleCVE, error) {
	var links []model.ArticleCVE
	for rows.Next() {
		var (
			l       model.ArticleCVE
			reasons []byte
		)
		if err := rows.Scan(&l.ArticleID, &l.CveID, &l.Confidence, &l.Band, &reasons, &l.Evidence); err != nil {
			return nil, classify("scan article cve", err)
		}
		if err := json.Unmarshal(reasons, &l.Reasons); err != nil {
			return nil, classify("decode reasons", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ArticleFilter narrows ListArticles results.
type ArticleFilter struct {
	SourceID      string
	IngestedSince time.Time
	NeedsPublish  bool
	Limit         uint64
	Offset        uint64
}

// ListArticles returns articles matching the filter, newest first.
func (s *Store) ListArticles(ctx context.Context, f ArticleFilter) ([]model.Article, error) {
	builder := sq.Select(articleColumns).
		From("articles").
		OrderBy("ingested_at DESC").
		PlaceholderFormat(sq.Dollar)
	if f.SourceID != "" {
		builder = builder.Where(sq.Eq{"source_id": f.SourceID})
	}
	if !f.IngestedSince.IsZero() {
		builder = builder.Where(sq.GtOrEq{"ingested_at": f.IngestedSince})
	}
	if f.NeedsPublish {
		builder = builder.Where(sq.Eq{"published_md_path": ""})
	}
	limit := f.Limit
	if limit == 0 || limit > 1000 {
		limit = 200
	}
	builder = builder.Limit(limit).Offset(f.Offset)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, classify("build list articles query", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list articles", err)
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, classify("scan article row", err)
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// ClearContentByType wipes a derived content column across all
// articles. Used by the destructive admin maintenance command.
func (s *Store) ClearContentByType(ctx context.Context, contentType string) (int64, error) {
	var query string
	switch contentType {
	case "content":
		query = `UPDATE articles SET content_text = '', content_html_excerpt = '',
			content_fetched_at = NULL, content_error = '' WHERE content_text <> ''`
	case "summary":
		query = `UPDATE articles SET summary_llm = '', summary_model = '',
			summary_error = '' WHERE summary_llm <> ''`
	case "markdown":
		query = `UPDATE articles SET published_md_path = '' WHERE published_md_path <> ''`
	default:
		return 0, model.Errf(model.KindValidation, "unknown content type %q", contentType)
	}
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, classify("clear content", err)
	}
	return tag.RowsAffected(), nil
}
