package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sempervigil/sempervigil/internal/model"
)

const sourceColumns = `id, name, kind, url, enabled, interval_minutes, tags, pause_until,
	paused_reason, overrides, etag, last_modified, last_fetch_at, created_at, updated_at`

func scanSource(row pgx.Row) (*model.Source, error) {
	var (
		src       model.Source
		tags      []byte
		overrides []byte
	)
	err := row.Scan(
		&src.ID,
		&src.Name,
		&src.Kind,
		&src.URL,
		&src.Enabled,
		&src.IntervalMinutes,
		&tags,
		&src.PauseUntil,
		&src.PausedReason,
		&overrides,
		&src.ETag,
		&src.LastModified,
		&src.LastFetchAt,
		&src.CreatedAt,
		&src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &src.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(overrides, &src.Overrides); err != nil {
		return nil, err
	}
	return &src, nil
}

// UpsertSource creates or replaces a source definition by slug.
func (s *Store) UpsertSource(ctx context.Context, src *model.Source) error {
	if src.ID == "" || src.URL == "" {
		return model.Errf(model.KindValidation, "source id and url are required")
	}
	if !src.Kind.Valid() {
		return model.Errf(model.KindValidation, "unknown source kind %q", src.Kind)
	}
	tags, err := json.Marshal(src.Tags)
	if err != nil {
		return model.Errf(model.KindValidation, "marshal tags: %v", err)
	}
	overrides, err := json.Marshal(src.Overrides)
	if err != nil {
		return model.Errf(model.KindValidation, "marshal overrides: %v", err)
	}
	if src.Tags == nil {
		tags = []byte(`[]`)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sources (id, name, kind, url, enabled, interval_minutes, tags, overrides)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			url = EXCLUDED.url,
			enabled = EXCLUDED.enabled,
			interval_minutes = EXCLUDED.interval_minutes,
			tags = EXCLUDED.tags,
			overrides = EXCLUDED.overrides,
			updated_at = now()`,
		src.ID, src.Name, src.Kind, src.URL, src.Enabled, src.IntervalMinutes, tags, overrides)
	if err != nil {
		return classify("upsert source", err)
	}
	return nil
}

// GetSource retrieves a source by slug.
func (s *Store) GetSource(ctx context.Context, id string) (*model.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, model.Errf(model.KindNotFound, "source %s", id)
	}
	if err != nil {
		return nil, classify("get source", err)
	}
	return src, nil
}

// ListSources returns all sources ordered by slug.
func (s *Store) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, classify("list sources", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, classify("scan source row", err)
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// ListDueSources returns enabled, unpaused sources whose polling
// interval has elapsed since the last fetch.
func (s *Store) ListDueSources(ctx context.Context, now time.Time) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sourceColumns+` FROM sources
		WHERE enabled
		  AND (pause_until IS NULL OR pause_until <= $1)
		  AND (last_fetch_at IS NULL
		       OR last_fetch_at + make_interval(mins => interval_minutes) <= $1)
		ORDER BY id`, now)
	if err != nil {
		return nil, classify("list due sources", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, classify("scan due source", err)
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// PauseSource sets the pause window and reason on a source.
func (s *Store) PauseSource(ctx context.Context, id string, until time.Time, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources SET pause_until = $1, paused_reason = $2, updated_at = now()
		WHERE id = $3`, until, reason, id)
	if err != nil {
		return classify("pause source", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errf(model.KindNotFound, "source %s", id)
	}
	return nil
}

// ResumeSource clears any pause window.
func (s *Store) ResumeSource(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sources SET pause_until = NULL, paused_reason = '', updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return classify("resume source", err)
	}
	return nil
}

// TouchSourceFetch records a completed fetch along with the caching
// hints to round-trip on the next conditional request.
func (s *Store) TouchSourceFetch(ctx context.Context, id, etag, lastModified string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sources SET etag = $1, last_modified = $2, last_fetch_at = $3, updated_at = now()
		WHERE id = $4`, etag, lastModified, at, id)
	if err != nil {
		return classify("touch source fetch", err)
	}
	return nil
}

// DeleteSource removes a source; dependent articles and health rows
// cascade at the schema level.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return classify("delete source", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errf(model.KindNotFound, "source %s", id)
	}
	return nil
}
