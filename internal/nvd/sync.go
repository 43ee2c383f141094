package nvd

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/metrics"
	"github.com/sempervigil/sempervigil/internal/model"
)

// Store is the slice of the persistence layer the sync drives.
type Store interface {
	GetCVE(ctx context.Context, cveID string) (*model.CVE, error)
	UpsertCVE(ctx context.Context, c *model.CVE) error
	AppendCVEChange(ctx context.Context, ch *model.CVEChange) error
	ReplaceCVEProducts(ctx context.Context, cveID string, products []model.Product) error
}

// Enqueuer hands downstream jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)
}

// SyncConfig sets the default delta window.
type SyncConfig struct {
	SyncInterval  time.Duration
	Overlap       time.Duration
	MaxWindowDays int
	PreferV4      bool
}

// Syncer implements the cve_sync job.
type Syncer struct {
	store  Store
	enq    Enqueuer
	client *Client
	cfg    SyncConfig
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewSyncer builds the handler.
func NewSyncer(st Store, enq Enqueuer, client *Client, cfg SyncConfig, logger *zap.Logger) *Syncer {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 2 * time.Hour
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = 15 * time.Minute
	}
	if cfg.MaxWindowDays <= 0 {
		cfg.MaxWindowDays = 7
	}
	return &Syncer{store: st, enq: enq, client: client, cfg: cfg, logger: logger, nowFn: time.Now}
}

// Result is the cve_sync job result.
type Result struct {
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	Fetched   int       `json:"fetched"`
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Changes   int       `json:"changes"`
}

type syncPayload struct {
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// Handle pulls the delta window and reconciles every record. Re-running
// with the same upstream data journals nothing.
func (s *Syncer) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var p syncPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, model.Errf(model.KindValidation, "cve_sync: bad payload: %v", err)
		}
	}
	now := s.nowFn().UTC()
	until := now
	if p.Until != nil {
		until = p.Until.UTC()
	}
	since := until.Add(-(s.cfg.SyncInterval + s.cfg.Overlap))
	if p.Since != nil {
		since = p.Since.UTC()
	}
	if maxWindow := time.Duration(s.cfg.MaxWindowDays) * 24 * time.Hour; until.Sub(since) > maxWindow {
		since = until.Add(-maxWindow)
	}

	records, err := s.client.FetchWindow(ctx, since, until)
	if err != nil {
		return nil, err
	}

	result := Result{Since: since, Until: until, Fetched: len(records)}
	for _, rec := range records {
		if rec.CVE.ID == "" {
			continue
		}
		outcome, changeCount, err := s.reconcile(ctx, rec, now)
		if err != nil {
			return nil, err
		}
		result.Changes += changeCount
		switch outcome {
		case "inserted":
			result.Inserted++
		case "updated":
			result.Updated++
		default:
			result.Unchanged++
		}
	}

	if _, err := s.enq.Enqueue(ctx, model.EnqueueRequest{
		JobType:        model.JobEventsRebuild,
		IdempotencyKey: model.JobEventsRebuild,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("cve sync finished",
		zap.Time("since", since), zap.Time("until", until),
		zap.Int("fetched", result.Fetched), zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated), zap.Int("changes", result.Changes))
	return result, nil
}

func (s *Syncer) reconcile(ctx context.Context, rec Record, now time.Time) (string, int, error) {
	fresh := Canonicalize(rec, s.cfg.PreferV4, now)

	old, err := s.store.GetCVE(ctx, fresh.ID)
	if err != nil && model.ClassifyErr(err) != model.KindNotFound {
		return "", 0, err
	}

	if old != nil && old.SnapshotHash == fresh.SnapshotHash {
		// Touch last_seen_at; nothing material changed, so no journal rows.
		if err := s.store.UpsertCVE(ctx, fresh); err != nil {
			return "", 0, err
		}
		return "unchanged", 0, nil
	}

	if err := s.store.UpsertCVE(ctx, fresh); err != nil {
		return "", 0, err
	}
	if err := s.store.ReplaceCVEProducts(ctx, fresh.ID, ExtractProducts(fresh.AffectedCPEs)); err != nil {
		return "", 0, err
	}

	// Stub rows from article mentions have no snapshot yet; their first
	// real sync is an insert, not a change.
	if old == nil || old.SnapshotHash == "" {
		return "inserted", 0, nil
	}

	changes := Diff(old, fresh, now)
	for i := range changes {
		if err := s.store.AppendCVEChange(ctx, &changes[i]); err != nil {
			return "", 0, err
		}
		metrics.ObserveCVEChange(changes[i].ChangeType)
	}
	return "updated", len(changes), nil
}
