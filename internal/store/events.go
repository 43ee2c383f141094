package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sempervigil/sempervigil/internal/model"
)

const eventColumns = `id, event_key, kind, status, title, summary, severity, manual,
	first_seen_at, last_seen_at, created_at, updated_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		e        model.Event
		severity string
	)
	err := row.Scan(
		&e.ID,
		&e.EventKey,
		&e.Kind,
		&e.Status,
		&e.Title,
		&e.Summary,
		&severity,
		&e.Manual,
		&e.FirstSeenAt,
		&e.LastSeenAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Severity = model.Severity(severity)
	return &e, nil
}

// UpsertEvent creates or refreshes an event by its stable key. Manual
// events are left untouched by automatic rebuilds; only their
// last_seen_at advances.
func (s *Store) UpsertEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	if e.EventKey == "" {
		return nil, model.Errf(model.KindValidation, "event_key is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO events
			(event_key, kind, status, title, summary, severity, manual, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_key) DO UPDATE SET
			status = CASE WHEN events.manual THEN events.status ELSE EXCLUDED.status END,
			title = CASE WHEN events.manual THEN events.title ELSE EXCLUDED.title END,
			summary = CASE WHEN events.manual THEN events.summary ELSE EXCLUDED.summary END,
			severity = CASE WHEN events.manual THEN events.severity ELSE EXCLUDED.severity END,
			last_seen_at = GREATEST(events.last_seen_at, EXCLUDED.last_seen_at),
			updated_at = now()
		RETURNING `+eventColumns,
		e.EventKey, e.Kind, e.Status, e.Title, e.Summary, string(e.Severity),
		e.Manual, e.FirstSeenAt, e.LastSeenAt)
	out, err := scanEvent(row)
	if err != nil {
		return nil, classify("upsert event", err)
	}
	return out, nil
}

// GetEventByKey retrieves an event by its stable key.
func (s *Store) GetEventByKey(ctx context.Context, key string) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_key = $1`, key))
	if err == pgx.ErrNoRows {
		return nil, model.Errf(model.KindNotFound, "event %s", key)
	}
	if err != nil {
		return nil, classify("get event", err)
	}
	return e, nil
}

// ListEvents returns all events ordered by key for deterministic output.
func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY event_key`)
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan event row", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// SetEventStatus transitions an event's lifecycle state.
func (s *Store) SetEventStatus(ctx context.Context, eventID int64, status model.EventStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET status = $1, updated_at = now() WHERE id = $2`, status, eventID)
	if err != nil {
		return classify("set event status", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errf(model.KindNotFound, "event %d", eventID)
	}
	return nil
}

// ReplaceEventLinks atomically swaps the CVE, product, and article link
// sets for one event. Rebuilds call this per event inside one transaction
// so a failed rebuild leaves the previous links intact.
func (s *Store) ReplaceEventLinks(ctx context.Context, eventID int64,
	cves []model.EventCVE, products []model.EventProduct, articles []model.EventArticle) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin replace event links", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, table := range []string{"event_cves", "event_products", "event_articles"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE event_id = $1`, eventID); err != nil {
			return classify("clear "+table, err)
		}
	}
	for _, link := range cves {
		reasons, err := json.Marshal(link.Reasons)
		if err != nil {
			return model.Errf(model.KindValidation, "marshal reasons: %v", err)
		}
		if link.Reasons == nil {
			reasons = []byte(`[]`)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_cves (event_id, cve_id, confidence, band, reasons, evidence_json)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			eventID, link.CveID, link.Confidence, link.Band, reasons, link.Evidence); err != nil {
			return classify("insert event cve", err)
		}
	}
	for _, link := range products {
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_products (event_id, product_key)
			VALUES ($1, $2)`, eventID, link.ProductKey); err != nil {
			return classify("insert event product", err)
		}
	}
	for _, link := range articles {
		reasons, err := json.Marshal(link.Reasons)
		if err != nil {
			return model.Errf(model.KindValidation, "marshal reasons: %v", err)
		}
		if link.Reasons == nil {
			reasons = []byte(`[]`)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_articles (event_id, article_id, confidence, band, reasons, evidence_json)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			eventID, link.ArticleID, link.Confidence, link.Band, reasons, link.Evidence); err != nil {
			return classify("insert event article", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit replace event links", err)
	}
	return nil
}

// EventCVELinks returns the CVE links for one event, ordered by CVE id.
func (s *Store) EventCVELinks(ctx context.Context, eventID int64) ([]model.EventCVE, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, cve_id, confidence, band, reasons, evidence_json
		FROM event_cves WHERE event_id = $1 ORDER BY cve_id`, eventID)
	if err != nil {
		return nil, classify("list event cves", err)
	}
	defer rows.Close()

	var links []model.EventCVE
	for rows.Next() {
		var (
			l       model.EventCVE
			reasons []byte
		)
		if err := rows.Scan(&l.EventID, &l.CveID, &l.Confidence, &l.Band, &reasons, &l.Evidence); err != nil {
			return nil, classify("scan event cve", err)
		}
		if err := json.Unmarshal(reasons, &l.Reasons); err != nil {
			return nil, classify("decode reasons", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// EventArticleLinks returns the article links for one event.
func (s *Store) EventArticleLinks(ctx context.Context, eventID int64) ([]model.EventArticle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, article_id, confidence, band, reasons, evidence_json
		FROM event_articles WHERE event_id = $1 ORDER BY article_id`, eventID)
	if err != nil {
		return nil, classify("list event articles", err)
	}
	defer rows.Close()

	var links []model.EventArticle
	for rows.Next() {
		var (
			l       model.EventArticle
			reasons []byte
		)
		if err := rows.Scan(&l.EventID, &l.ArticleID, &l.Confidence, &l.Band, &reasons, &l.Evidence); err != nil {
			return nil, classify("scan event article", err)
		}
		if err := json.Unmarshal(reasons, &l.Reasons); err != nil {
			return nil, classify("decode reasons", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// PurgeWeakEvents deletes non-manual events with fewer than minArticles
// linked articles and severity below minSeverity. Link rows cascade.
func (s *Store) PurgeWeakEvents(ctx context.Context, minArticles int, minSeverity model.Severity) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events e
		WHERE NOT e.manual
		  AND (SELECT count(*) FROM event_articles ea WHERE ea.event_id = e.id) < $1
		  AND COALESCE(array_position(
		        ARRAY['NONE','LOW','MEDIUM','HIGH','CRITICAL'], NULLIF(e.severity, '')), 1)
		      < array_position(ARRAY['NONE','LOW','MEDIUM','HIGH','CRITICAL'], $2)`,
		minArticles, string(minSeverity))
	if err != nil {
		return 0, classify("purge weak events", err)
	}
	return tag.RowsAffected(), nil
}

// StaleEvents returns non-manual events in the given status whose
// last_seen_at is older than the cutoff, for lifecycle transitions.
func (s *Store) StaleEvents(ctx context.Context, status model.EventStatus, cutoff time.Time) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status = $1 AND NOT manual AND last_seen_at < $2
		ORDER BY event_key`, status, cutoff)
	if err != nil {
		return nil, classify("list stale events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan stale event", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
