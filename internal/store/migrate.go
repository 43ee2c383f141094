package store

import (
	"context"
	"fmt"
)

// advisoryLockKey serializes migration runs across worker processes
// sharing one database.
const advisoryLockKey = 0x53764D67 // "SvMg"

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, schemaV1},
	{2, schemaV2},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
    id               UUID PRIMARY KEY,
    job_type         TEXT NOT NULL,
    payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
    status           TEXT NOT NULL DEFAULT 'queued',
    priority         INT NOT NULL DEFAULT 0,
    requested_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    run_after        TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    finished_at      TIMESTAMPTZ,
    attempts         INT NOT NULL DEFAULT 0,
    max_attempts     INT NOT NULL DEFAULT 5,
    lease_owner      TEXT,
    lease_expires_at TIMESTAMPTZ,
    idempotency_key  TEXT,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    result           JSONB,
    error            TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
    ON jobs (status, run_after, priority DESC, requested_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_idem
    ON jobs (idempotency_key)
    WHERE idempotency_key IS NOT NULL AND status IN ('queued', 'running');

CREATE TABLE IF NOT EXISTS sources (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    kind             TEXT NOT NULL,
    url              TEXT NOT NULL,
    enabled          BOOLEAN NOT NULL DEFAULT TRUE,
    interval_minutes INT NOT NULL DEFAULT 30,
    tags             JSONB NOT NULL DEFAULT '[]'::jsonb,
    pause_until      TIMESTAMPTZ,
    paused_reason    TEXT NOT NULL DEFAULT '',
    overrides        JSONB NOT NULL DEFAULT '{}'::jsonb,
    etag             TEXT NOT NULL DEFAULT '',
    last_modified    TEXT NOT NULL DEFAULT '',
    last_fetch_at    TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_health (
    id             BIGSERIAL PRIMARY KEY,
    source_id      TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    ts             TIMESTAMPTZ NOT NULL DEFAULT now(),
    ok             BOOLEAN NOT NULL,
    http_status    INT NOT NULL DEFAULT 0,
    found_count    INT NOT NULL DEFAULT 0,
    accepted_count INT NOT NULL DEFAULT 0,
    seen_count     INT NOT NULL DEFAULT 0,
    filtered_count INT NOT NULL DEFAULT 0,
    duration_ms    BIGINT NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_source_health_source_ts
    ON source_health (source_id, ts DESC);

CREATE TABLE IF NOT EXISTS articles (
    id                   TEXT NOT NULL,
    source_id            TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    title                TEXT NOT NULL,
    original_url         TEXT NOT NULL,
    canonical_url        TEXT NOT NULL,
    published_at         TIMESTAMPTZ,
    published_at_source  TEXT NOT NULL DEFAULT '',
    ingested_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    author               TEXT NOT NULL DEFAULT '',
    summary              TEXT NOT NULL DEFAULT '',
    content_text         TEXT NOT NULL DEFAULT '',
    content_html_excerpt TEXT NOT NULL DEFAULT '',
    content_fetched_at   TIMESTAMPTZ,
    content_error        TEXT NOT NULL DEFAULT '',
    content_fingerprint  TEXT NOT NULL DEFAULT '',
    summary_llm          TEXT NOT NULL DEFAULT '',
    summary_model        TEXT NOT NULL DEFAULT '',
    summary_error        TEXT NOT NULL DEFAULT '',
    tags                 JSONB NOT NULL DEFAULT '[]'::jsonb,
    published_md_path    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (source_id, id)
);

CREATE INDEX IF NOT EXISTS idx_articles_id ON articles (id);
CREATE INDEX IF NOT EXISTS idx_articles_fingerprint
    ON articles (content_fingerprint) WHERE content_fingerprint <> '';
CREATE INDEX IF NOT EXISTS idx_articles_ingested ON articles (ingested_at DESC);

CREATE TABLE IF NOT EXISTS cves (
    cve_id                  TEXT PRIMARY KEY,
    published_at            TIMESTAMPTZ,
    last_modified_at        TIMESTAMPTZ,
    last_seen_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    vuln_status             TEXT NOT NULL DEFAULT '',
    description_text        TEXT NOT NULL DEFAULT '',
    metric_v31              JSONB,
    metric_v40              JSONB,
    preferred_cvss_version  TEXT NOT NULL DEFAULT 'none',
    preferred_base_score    DOUBLE PRECISION,
    preferred_base_severity TEXT NOT NULL DEFAULT '',
    preferred_vector        TEXT NOT NULL DEFAULT '',
    affected_cpes           JSONB NOT NULL DEFAULT '[]'::jsonb,
    reference_domains       JSONB NOT NULL DEFAULT '[]'::jsonb,
    snapshot_hash           TEXT NOT NULL DEFAULT '',
    raw                     JSONB,
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cve_changes (
    id          BIGSERIAL PRIMARY KEY,
    cve_id      TEXT NOT NULL REFERENCES cves(cve_id) ON DELETE CASCADE,
    change_type TEXT NOT NULL,
    from_value  TEXT NOT NULL DEFAULT '',
    to_value    TEXT NOT NULL DEFAULT '',
    diff        JSONB,
    change_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cve_changes_cve ON cve_changes (cve_id, change_at DESC);

CREATE TABLE IF NOT EXISTS vendors (
    vendor_norm  TEXT PRIMARY KEY,
    display_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    product_key  TEXT PRIMARY KEY,
    vendor_norm  TEXT NOT NULL REFERENCES vendors(vendor_norm) ON DELETE CASCADE,
    product_norm TEXT NOT NULL,
    display_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cve_products (
    cve_id      TEXT NOT NULL REFERENCES cves(cve_id) ON DELETE CASCADE,
    product_key TEXT NOT NULL REFERENCES products(product_key) ON DELETE CASCADE,
    PRIMARY KEY (cve_id, product_key)
);

CREATE TABLE IF NOT EXISTS article_cves (
    article_id    TEXT NOT NULL,
    cve_id        TEXT NOT NULL REFERENCES cves(cve_id) ON DELETE CASCADE,
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    band          TEXT NOT NULL DEFAULT 'linked',
    reasons       JSONB NOT NULL DEFAULT '[]'::jsonb,
    evidence_json JSONB,
    PRIMARY KEY (article_id, cve_id)
);

CREATE TABLE IF NOT EXISTS events (
    id            BIGSERIAL PRIMARY KEY,
    event_key     TEXT NOT NULL UNIQUE,
    kind          TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'proposed',
    title         TEXT NOT NULL,
    summary       TEXT NOT NULL DEFAULT '',
    severity      TEXT NOT NULL DEFAULT '',
    manual        BOOLEAN NOT NULL DEFAULT FALSE,
    first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS event_cves (
    event_id      BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    cve_id        TEXT NOT NULL REFERENCES cves(cve_id) ON DELETE CASCADE,
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    band          TEXT NOT NULL DEFAULT 'linked',
    reasons       JSONB NOT NULL DEFAULT '[]'::jsonb,
    evidence_json JSONB,
    PRIMARY KEY (event_id, cve_id)
);

CREATE TABLE IF NOT EXISTS event_products (
    event_id    BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    product_key TEXT NOT NULL REFERENCES products(product_key) ON DELETE CASCADE,
    PRIMARY KEY (event_id, product_key)
);

CREATE TABLE IF NOT EXISTS event_articles (
    event_id      BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    article_id    TEXT NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    band          TEXT NOT NULL DEFAULT 'linked',
    reasons       JSONB NOT NULL DEFAULT '[]'::jsonb,
    evidence_json JSONB,
    PRIMARY KEY (event_id, article_id)
);

CREATE TABLE IF NOT EXISTS llm_runs (
    id            BIGSERIAL PRIMARY KEY,
    ts            TIMESTAMPTZ NOT NULL DEFAULT now(),
    profile_id    TEXT NOT NULL DEFAULT '',
    provider_id   TEXT NOT NULL DEFAULT '',
    model_id      TEXT NOT NULL DEFAULT '',
    prompt_name   TEXT NOT NULL DEFAULT '',
    input_chars   INT NOT NULL DEFAULT 0,
    output_chars  INT NOT NULL DEFAULT 0,
    prompt_tokens INT NOT NULL DEFAULT 0,
    output_tokens INT NOT NULL DEFAULT 0,
    latency_ms    BIGINT NOT NULL DEFAULT 0,
    ok            BOOLEAN NOT NULL,
    error         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS runtime_config (
    id         INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    version    BIGINT NOT NULL DEFAULT 1,
    data       JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

INSERT INTO runtime_config (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS provider_secrets (
    provider_id TEXT PRIMARY KEY,
    wrapped_key TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies any missing schema versions under an advisory lock so
// multiple worker processes can start concurrently.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = s.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
