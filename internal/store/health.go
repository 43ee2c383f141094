package store

import (
	"context"

	"github.com/sempervigil/sempervigil/internal/model"
)

// AppendSourceHealth records one ingest run in the append-only journal.
func (s *Store) AppendSourceHealth(ctx context.Context, h *model.SourceHealth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_health
			(source_id, ts, ok, http_status, found_count, accepted_count,
			 seen_count, filtered_count, duration_ms, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.SourceID, h.TS, h.OK, h.HTTPStatus, h.FoundCount, h.AcceptedCount,
		h.SeenCount, h.FilteredCount, h.DurationMS, h.LastError)
	if err != nil {
		return classify("append source health", err)
	}
	return nil
}

// SourceStreaks computes the consecutive-error and consecutive-zero
// run lengths ending at the most recent health row. Both streaks feed
// the auto-pause policy.
func (s *Store) SourceStreaks(ctx context.Context, sourceID string, lookback int) (model.SourceStreaks, error) {
	if lookback <= 0 {
		lookback = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ok, accepted_count FROM source_health
		WHERE source_id = $1
		ORDER BY ts DESC
		LIMIT $2`, sourceID, lookback)
	if err != nil {
		return model.SourceStreaks{}, classify("read source health", err)
	}
	defer rows.Close()

	var (
		streaks      model.SourceStreaks
		errorsBroken bool
		zeroBroken   bool
	)
	for rows.Next() {
		var (
			ok       bool
			accepted int
		)
		if err := rows.Scan(&ok, &accepted); err != nil {
			return model.SourceStreaks{}, classify("scan health row", err)
		}
		if !errorsBroken {
			if !ok {
				streaks.ConsecutiveErrors++
			} else {
				errorsBroken = true
			}
		}
		if !zeroBroken {
			if ok && accepted == 0 {
				streaks.ConsecutiveZero++
			} else {
				zeroBroken = true
			}
		}
		if errorsBroken && zeroBroken {
			break
		}
	}
	return streaks, rows.Err()
}

// RecentSourceHealth returns the latest health rows for a source.
func (s *Store) RecentSourceHealth(ctx context.Context, sourceID string, limit int) ([]model.SourceHealth, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, ts, ok, http_status, found_count, accepted_count,
		       seen_count, filtered_count, duration_ms, last_error
		FROM source_health
		WHERE source_id = $1
		ORDER BY ts DESC
		LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, classify("list source health", err)
	}
	defer rows.Close()

	var out []model.SourceHealth
	for rows.Next() {
		var h model.SourceHealth
		if err := rows.Scan(&h.ID, &h.SourceID, &h.TS, &h.OK, &h.HTTPStatus,
			&h.FoundCount, &h.AcceptedCount, &h.SeenCount, &h.FilteredCount,
			&h.DurationMS, &h.LastError); err != nil {
			return nil, classify("scan health row", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
