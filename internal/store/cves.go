package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sempervigil/sempervigil/internal/model"
)

const cveColumns = `cve_id, published_at, last_modified_at, last_seen_at, vuln_status,
	description_text, metric_v31, metric_v40, preferred_cvss_version, preferred_base_score,
	preferred_base_severity, preferred_vector, affected_cpes, reference_domains,
	snapshot_hash, raw, updated_at`

func scanCVE(row pgx.Row) (*model.CVE, error) {
	var (
		c        model.CVE
		v31, v40 []byte
		cpes     []byte
		refs     []byte
	)
	err := row.Scan(
		&c.ID,
		&c.PublishedAt,
		&c.LastModifiedAt,
		&c.LastSeenAt,
		&c.VulnStatus,
		&c.Description,
		&v31,
		&v40,
		&c.PreferredVersion,
		&c.PreferredScore,
		&c.PreferredSeverity,
		&c.PreferredVector,
		&cpes,
		&refs,
		&c.SnapshotHash,
		&c.Raw,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if v31 != nil {
		if err := json.Unmarshal(v31, &c.MetricV31); err != nil {
			return nil, err
		}
	}
	if v40 != nil {
		if err := json.Unmarshal(v40, &c.MetricV40); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(cpes, &c.AffectedCPEs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(refs, &c.ReferenceDomains); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCVEStub creates a minimal CVE row when an article mentions an
// identifier the sync has not seen yet; existing rows only get their
// last_seen_at touched.
func (s *Store) UpsertCVEStub(ctx context.Context, cveID string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cves (cve_id, last_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (cve_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		cveID, seenAt)
	if err != nil {
		return classify("upsert cve stub", err)
	}
	return nil
}

// GetCVE retrieves a CVE by identifier.
func (s *Store) GetCVE(ctx context.Context, cveID string) (*model.CVE, error) {
	c, err := scanCVE(s.pool.QueryRow(ctx,
		`SELECT `+cveColumns+` FROM cves WHERE cve_id = $1`, cveID))
	if err == pgx.ErrNoRows {
		return nil, model.Errf(model.KindNotFound, "cve %s", cveID)
	}
	if err != nil {
		return nil, classify("get cve", err)
	}
	return c, nil
}

// ListCVEs returns CVEs ordered by last modification, newest first.
func (s *Store) ListCVEs(ctx context.Context, limit int) ([]model.CVE, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+cveColumns+` FROM cves
		ORDER BY last_modified_at DESC NULLS LAST, cve_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify("list cves", err)
	}
	defer rows.Close()
	var out []model.CVE
	for rows.Next() {
		c, err := scanCVE(rows)
		if err != nil {
			return nil, classify("list cves", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpsertCVE writes the full synced shape of a CVE. Non-null supplied
// fields overwrite; the snapshot hash is replaced wholesale.
func (s *Store) UpsertCVE(ctx context.Context, c *model.CVE) error {
	if c.ID == "" {
		return model.Errf(model.KindValidation, "cve_id is required")
	}
	v31, err := marshalMetric(c.MetricV31)
	if err != nil {
		return model.Errf(model.KindValidation, "marshal metric v31: %v", err)
	}
	v40, err := marshalMetric(c.MetricV40)
	if err != nil {
		return model.Errf(model.KindValidation, "marshal metric v40: %v", err)
	}
	cpes, err := json.Marshal(c.AffectedCPEs)
	if err != nil {
		return model.Errf(model.KindValidation, "marshal cpes: %v", err)
	}
	if c.AffectedCPEs == nil {
		cpes = []byte(`[]`)
	}
	refs, err := json.Marshal(c.ReferenceDomains)
	if err != nil {
		return model.Errf(model.KindValidation, "marshal reference domains: %v", err)
	}
	if c.ReferenceDomains == nil {
		refs = []byte(`[]`)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cves
			(cve_id, published_at, last_modified_at, last_seen_at, vuln_status,
			 description_text, metric_v31, metric_v40, preferred_cvss_version,
			 preferred_base_score, preferred_base_severity, preferred_vector,
			 affected_cpes, reference_domains, snapshot_hash, raw, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
		ON CONFLICT (cve_id) DO UPDATE SET
			published_at = COALESCE(EXCLUDED.published_at, cves.published_at),
			last_modified_at = COALESCE(EXCLUDED.last_modified_at, cves.last_modified_at),
			last_seen_at = EXCLUDED.last_seen_at,
			vuln_status = EXCLUDED.vuln_status,
			description_text = EXCLUDED.description_text,
			metric_v31 = EXCLUDED.metric_v31,
			metric_v40 = EXCLUDED.metric_v40,
			preferred_cvss_version = EXCLUDED.preferred_cvss_version,
			preferred_base_score = EXCLUDED.preferred_base_score,
			preferred_base_severity = EXCLUDED.preferred_base_severity,
			preferred_vector = EXCLUDED.preferred_vector,
			affected_cpes = EXCLUDED.affected_cpes,
			reference_domains = EXCLUDED.reference_domains,
			snapshot_hash = EXCLUDED.snapshot_hash,
			raw = EXCLUDED.raw,
			updated_at = now()`,
		c.ID, c.PublishedAt, c.LastModifiedAt, c.LastSeenAt, c.VulnStatus,
		c.Description, v31, v40, c.PreferredVersion, c.PreferredScore,
		string(c.PreferredSeverity), c.PreferredVector, cpes, refs, c.SnapshotHash, c.Raw)
	if err != nil {
		return classify("upsert cve", err)
	}
	return nil
}

func marshalMetric(m *model.CvssMetric) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// AppendCVEChange writes one journal row.
func (s *Store) AppendCVEChange(ctx context.Context, ch *model.CVEChange) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cve_changes (cve_id, change_type, from_value, to_value, diff, change_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.CveID, ch.ChangeType, ch.FromValue, ch.ToValue, ch.Diff, ch.ChangeAt)
	if err != nil {
		return classify("append cve change", err)
	}
	return nil
}

// ListCVEChanges returns journal rows for one CVE, newest first.
func (s *Store) ListCVEChanges(ctx context.Context, cveID string, limit int) ([]model.CVEChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, cve_id, change_type, from_value, to_value, diff, change_at
		FROM cve_changes
		WHERE cve_id = $1
		ORDER BY change_at DESC
		LIMIT $2`, cveID, limit)
	if err != nil {
		return nil, classify("list cve changes", err)
	}
	defer rows.Close()

	var changes []model.CVEChange
	for rows.Next() {
		var ch model.CVEChange
		if err := rows.Scan(&ch.ID, &ch.CveID, &ch.ChangeType, &ch.FromValue,
			&ch.ToValue, &ch.Diff, &ch.ChangeAt); err != nil {
			return nil, classify("scan cve change", err)
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// ReplaceCVEProducts atomically swaps the affected-product set for one
// CVE, upserting the vendor and product entities on the way.
func (s *Store) ReplaceCVEProducts(ctx context.Context, cveID string, products []model.Product) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin replace products", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range products {
		if _, err := tx.Exec(ctx, `
			INSERT INTO vendors (vendor_norm, display_name)
			VALUES ($1, $2)
			ON CONFLICT (vendor_norm) DO NOTHING`, p.VendorNorm, p.DisplayName); err != nil {
			return classify("upsert vendor", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO products (product_key, vendor_norm, product_norm, display_name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (product_key) DO NOTHING`,
			p.ProductKey, p.VendorNorm, p.ProductNorm, p.DisplayName); err != nil {
			return classify("upsert product", err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cve_products WHERE cve_id = $1`, cveID); err != nil {
		return classify("clear cve products", err)
	}
	for _, p := range products {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cve_products (cve_id, product_key)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, cveID, p.ProductKey); err != nil {
			return classify("insert cve product", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit replace products", err)
	}
	return nil
}

// CVEProductKeys returns the product keys linked to one CVE.
func (s *Store) CVEProductKeys(ctx context.Context, cveID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_key FROM cve_products WHERE cve_id = $1 ORDER BY product_key`, cveID)
	if err != nil {
		return nil, classify("list cve products", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, classify("scan product key", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CVECluster pairs a CVE with its product keys for event correlation.
type CVECluster struct {
	CveID          string
	Severity       model.Severity
	LastModifiedAt *time.Time
	LastSeenAt     time.Time
	ProductKeys    []string
}

// CVEsSeenSince returns all CVEs touched inside the clustering window
// together with their product keys, ordered for deterministic rebuilds.
func (s *Store) CVEsSeenSince(ctx context.Context, since time.Time) ([]CVECluster, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.cve_id, c.preferred_base_severity, c.last_modified_at, c.last_seen_at,
		       COALESCE(array_agg(cp.product_key ORDER BY cp.product_key)
		                FILTER (WHERE cp.product_key IS NOT NULL), '{}')
		FROM cves c
		LEFT JOIN cve_products cp ON cp.cve_id = c.cve_id
		WHERE c.last_seen_at >= $1
		GROUP BY c.cve_id
		ORDER BY c.cve_id`, since)
	if err != nil {
		return nil, classify("list cves for clustering", err)
	}
	defer rows.Close()

	var out []CVECluster
	for rows.Next() {
		var (
			c        CVECluster
			severity string
		)
		if err := rows.Scan(&c.CveID, &severity, &c.LastModifiedAt, &c.LastSeenAt, &c.ProductKeys); err != nil {
			return nil, classify("scan cve cluster row", err)
		}
		c.Severity = model.Severity(severity)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ProductDisplayName resolves a product key to its display name; falls
// back to the key itself when unknown.
func (s *Store) ProductDisplayName(ctx context.Context, productKey string) (string, error) {
	var vendor, product string
	err := s.pool.QueryRow(ctx, `
		SELECT v.display_name, p.display_name
		FROM products p
		JOIN vendors v ON v.vendor_norm = p.vendor_norm
		WHERE p.product_key = $1`, productKey).Scan(&vendor, &product)
	if err == pgx.ErrNoRows {
		return productKey, nil
	}
	if err != nil {
		return "", classify("resolve product name", err)
	}
	return vendor + " " + product, nil
}
