// Package events builds and maintains correlation events: deterministic
// CVE clustering, the lifecycle state machine, weak-event purging, and
// keyword-derived incidents.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
	"github.com/sempervigil/sempervigil/internal/store"
)

// Store is the slice of the persistence layer the rebuild drives.
type Store interface {
	CVEsSeenSince(ctx context.Context, since time.Time) ([]store.CVECluster, error)
	ArticleCVELinksSince(ctx context.Context, since time.Time) ([]model.ArticleCVE, error)
	GetEventByKey(ctx context.Context, key string) (*model.Event, error)
	UpsertEvent(ctx context.Context, e *model.Event) (*model.Event, error)
	ReplaceEventLinks(ctx context.Context, eventID int64, cves []model.EventCVE, products []model.EventProduct, articles []model.EventArticle) error
	SetEventStatus(ctx context.Context, eventID int64, status model.EventStatus) error
	StaleEvents(ctx context.Context, status model.EventStatus, cutoff time.Time) ([]model.Event, error)
	PurgeWeakEvents(ctx context.Context, minArticles int, minSeverity model.Severity) (int64, error)
	ProductDisplayName(ctx context.Context, productKey string) (string, error)
	EventCVELinks(ctx context.Context, eventID int64) ([]model.EventCVE, error)
	EventArticleLinks(ctx context.Context, eventID int64) ([]model.EventArticle, error)
	GetArticle(ctx context.Context, id string) (*model.Article, error)
	ArticleCVEs(ctx context.Context, articleID string) ([]model.ArticleCVE, error)
}

// Config tunes clustering and lifecycle thresholds.
type Config struct {
	WindowDays       int
	DormantAfterDays int
	CloseAfterDays   int
}

func (c Config) withDefaults() Config {
	if c.WindowDays <= 0 {
		c.WindowDays = 14
	}
	if c.DormantAfterDays <= 0 {
		c.DormantAfterDays = 30
	}
	if c.CloseAfterDays <= 0 {
		c.CloseAfterDays = 120
	}
	return c
}

// Rebuilder implements events_rebuild and events_purge.
type Rebuilder struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewRebuilder builds the handler.
func NewRebuilder(st Store, cfg Config, logger *zap.Logger) *Rebuilder {
	return &Rebuilder{store: st, cfg: cfg.withDefaults(), logger: logger, nowFn: time.Now}
}

// RebuildResult is the events_rebuild job result.
type RebuildResult struct {
	Clusters  int `json:"clusters"`
	Singles   int `json:"singles"`
	Activated int `json:"activated"`
	Dormant   int `json:"dormant"`
	Closed    int `json:"closed"`
	Reopened  int `json:"reopened"`
}

// group is one event under construction.
type group struct {
	key        string
	kind       model.EventKind
	productKey string
	window     time.Time
	cves       []store.CVECluster
}

// HandleRebuild reclusters the window and reconciles the event set.
// The whole pass is deterministic: same rows in, same events out.
func (r *Rebuilder) HandleRebuild(ctx context.Context, _ json.RawMessage) (any, error) {
	now := r.nowFn().UTC()
	since := now.Add(-time.Duration(r.cfg.WindowDays) * 24 * time.Hour)

	clusters, err := r.store.CVEsSeenSince(ctx, since)
	if err != nil {
		return nil, err
	}
	links, err := r.store.ArticleCVELinksSince(ctx, since)
	if err != nil {
		return nil, err
	}
	linksByCVE := make(map[string][]model.ArticleCVE)
	for _, l := range links {
		linksByCVE[l.CveID] = append(linksByCVE[l.CveID], l)
	}

	groups := r.groupCVEs(clusters)
	var result RebuildResult
	for _, g := range groups {
		if g.kind == model.EventKindCVECluster && g.productKey != "" {
			result.Clusters++
		} else {
			result.Singles++
		}
		activated, reopened, err := r.reconcile(ctx, g, linksByCVE, now)
		if err != nil {
			return nil, err
		}
		if activated {
			result.Activated++
		}
		if reopened {
			result.Reopened++
		}
	}

	dormant, closed, err := r.sweepLifecycle(ctx, now)
	if err != nil {
		return nil, err
	}
	result.Dormant = dormant
	result.Closed = closed

	r.logger.Info("events rebuilt",
		zap.Int("clusters", result.Clusters), zap.Int("singles", result.Singles),
		zap.Int("activated", result.Activated), zap.Int("dormant", result.Dormant),
		zap.Int("closed", result.Closed))
	return result, nil
}

// groupCVEs assigns each CVE to product-window clusters, or to a
// single-CVE event when it has no products. Buckets are epoch-aligned
// so repeated rebuilds produce identical keys.
func (r *Rebuilder) groupCVEs(clusters []store.CVECluster) []group {
	byKey := make(map[string]*group)
	for _, c := range clusters {
		ref := c.LastSeenAt
		if c.LastModifiedAt != nil {
			ref = *c.LastModifiedAt
		}
		if len(c.ProductKeys) == 0 {
			key := "cve:" + c.CveID
			g := byKey[key]
			if g == nil {
				g = &group{key: key, kind: model.EventKindCVECluster}
				byKey[key] = g
			}
			g.cves = append(g.cves, c)
			continue
		}
		window := windowStart(ref, r.cfg.WindowDays)
		for _, pk := range c.ProductKeys {
			key := fmt.Sprintf("cluster:%s:%s", pk, window.Format("2006-01-02"))
			g := byKey[key]
			if g == nil {
				g = &group{key: key, kind: model.EventKindCVECluster, productKey: pk, window: window}
				byKey[key] = g
			}
			g.cves = append(g.cves, c)
		}
	}

	out := make([]group, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// windowStart aligns t to the start of its fixed-size window.
func windowStart(t time.Time, days int) time.Time {
	epochDays := t.Unix() / 86400
	bucket := epochDays - epochDays%int64(days)
	return time.Unix(bucket*86400, 0).UTC()
}

func (r *Rebuilder) reconcile(ctx context.Context, g group, linksByCVE map[string][]model.ArticleCVE, now time.Time) (activated, reopened bool, err error) {
	old, err := r.store.GetEventByKey(ctx, g.key)
	if err != nil && model.ClassifyErr(err) != model.KindNotFound {
		return false, false, err
	}
	if old != nil && old.Manual {
		return false, false, nil
	}

	severity := model.SeverityNone
	firstSeen, lastSeen := now, time.Time{}
	for _, c := range g.cves {
		severity = model.MaxSeverity(severity, c.Severity)
		ref := c.LastSeenAt
		if c.LastModifiedAt != nil {
			ref = *c.LastModifiedAt
		}
		if ref.Before(firstSeen) {
			firstSeen = ref
		}
		if ref.After(lastSeen) {
			lastSeen = ref
		}
	}

	title, err := r.title(ctx, g)
	if err != nil {
		return false, false, err
	}
	eventCVEs, eventArticles := memberLinks(g, linksByCVE)

	stored, err := r.store.UpsertEvent(ctx, &model.Event{
		EventKey:    g.key,
		Kind:        g.kind,
		Status:      model.EventProposed,
		Title:       title,
		Summary:     r.summary(ctx, g, eventArticles),
		Severity:    severity,
		FirstSeenAt: firstSeen,
		LastSeenAt:  lastSeen,
	})
	if err != nil {
		return false, false, err
	}

	var products []model.EventProduct
	if g.productKey != "" {
		products = []model.EventProduct{{EventID: stored.ID, ProductKey: g.productKey}}
	}
	for i := range eventCVEs {
		eventCVEs[i].EventID = stored.ID
	}
	for i := range eventArticles {
		eventArticles[i].EventID = stored.ID
	}
	if err := r.store.ReplaceEventLinks(ctx, stored.ID, eventCVEs, products, eventArticles); err != nil {
		return false, false, err
	}

	next := r.nextStatus(old, stored, severity, eventCVEs, eventArticles)
	if next != stored.Status {
		if err := r.store.SetEventStatus(ctx, stored.ID, next); err != nil {
			return false, false, err
		}
		if next == model.EventActive {
			activated = true
			if old != nil && (old.Status == model.EventClosed || old.Status == model.EventDormant) {
				reopened = true
				r.logger.Info("event reopened",
					zap.String("event_key", g.key),
					zap.String("from", string(old.Status)),
					zap.String("severity", string(severity)))
			}
		}
	}
	return activated, reopened, nil
}

// nextStatus applies the lifecycle transitions that depend on fresh
// evidence; inactivity transitions run in sweepLifecycle.
func (r *Rebuilder) nextStatus(old, stored *model.Event, severity model.Severity, cves []model.EventCVE, articles []model.EventArticle) model.EventStatus {
	corroborated := len(cves) >= 2
	for _, a := range articles {
		if a.Band == model.BandLinked {
			corroborated = true
			break
		}
	}

	switch stored.Status {
	case model.EventProposed:
		if corroborated {
			return model.EventActive
		}
	case model.EventUpdating:
		// Summary was just recomposed above.
		return model.EventActive
	case model.EventDormant:
		if corroborated && old != nil && stored.LastSeenAt.After(old.LastSeenAt) {
			return model.EventActive
		}
	case model.EventClosed:
		if old != nil && severity.Rank() > old.Severity.Rank() {
			return model.EventActive
		}
	}
	return stored.Status
}

func (r *Rebuilder) sweepLifecycle(ctx context.Context, now time.Time) (dormant, closed int, err error) {
	dormantCutoff := now.Add(-time.Duration(r.cfg.DormantAfterDays) * 24 * time.Hour)
	stale, err := r.store.StaleEvents(ctx, model.EventActive, dormantCutoff)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range stale {
		if err := r.store.SetEventStatus(ctx, e.ID, model.EventDormant); err != nil {
			return dormant, closed, err
		}
		dormant++
	}

	closeCutoff := now.Add(-time.Duration(r.cfg.CloseAfterDays) * 24 * time.Hour)
	tired, err := r.store.StaleEvents(ctx, model.EventDormant, closeCutoff)
	if err != nil {
		return dormant, closed, err
	}
	for _, e := range tired {
		if err := r.store.SetEventStatus(ctx, e.ID, model.EventClosed); err != nil {
			return dormant, closed, err
		}
		closed++
	}
	return dormant, closed, nil
}

// memberLinks builds the event link rows. CVE confidence is the max
// over the article links mentioning it; sync-only CVEs count as linked.
func memberLinks(g group, linksByCVE map[string][]model.ArticleCVE) ([]model.EventCVE, []model.EventArticle) {
	var eventCVEs []model.EventCVE
	articleBest := make(map[string]model.ArticleCVE)

	for _, c := range g.cves {
		link := model.EventCVE{
			CveID:      c.CveID,
			Confidence: 1.0,
			Band:       model.BandLinked,
			Reasons:    []string{"cve.sync"},
		}
		for _, al := range linksByCVE[c.CveID] {
			if al.Confidence >= link.Confidence {
				link.Confidence = al.Confidence
				link.Band = al.Band
				link.Reasons = al.Reasons
			}
			best, ok := articleBest[al.ArticleID]
			if !ok || al.Confidence > best.Confidence {
				articleBest[al.ArticleID] = al
			}
		}
		eventCVEs = append(eventCVEs, link)
	}
	sort.Slice(eventCVEs, func(i, j int) bool { return eventCVEs[i].CveID < eventCVEs[j].CveID })

	var eventArticles []model.EventArticle
	for _, al := range articleBest {
		eventArticles = append(eventArticles, model.EventArticle{
			ArticleID:  al.ArticleID,
			Confidence: al.Confidence,
			Band:       al.Band,
			Reasons:    al.Reasons,
			Evidence:   al.Evidence,
		})
	}
	sort.Slice(eventArticles, func(i, j int) bool { return eventArticles[i].ArticleID < eventArticles[j].ArticleID })
	return eventCVEs, eventArticles
}

func (r *Rebuilder) title(ctx context.Context, g group) (string, error) {
	if g.productKey == "" {
		if len(g.cves) == 1 {
			return g.cves[0].CveID + " vulnerability", nil
		}
		return g.key + " vulnerabilities", nil
	}
	name, err := r.store.ProductDisplayName(ctx, g.productKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s vulnerabilities, %s", name, g.window.Format("2006-01-02")), nil
}

// summary is composed deterministically from sorted members so repeated
// rebuilds never churn the row.
func (r *Rebuilder) summary(ctx context.Context, g group, articles []model.EventArticle) string {
	var b strings.Builder
	if g.productKey != "" {
		if name, err := r.store.ProductDisplayName(ctx, g.productKey); err == nil {
			fmt.Fprintf(&b, "Affected product: %s. ", name)
		}
	}

	ids := make([]string, 0, len(g.cves))
	sevByID := make(map[string]model.Severity, len(g.cves))
	for _, c := range g.cves {
		ids = append(ids, c.CveID)
		sevByID[c.CveID] = c.Severity
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if sev := sevByID[id]; sev != "" && sev != model.SeverityNone {
			parts = append(parts, fmt.Sprintf("%s (%s)", id, sev))
		} else {
			parts = append(parts, id)
		}
	}
	fmt.Fprintf(&b, "CVEs: %s.", strings.Join(parts, ", "))
	if n := len(articles); n == 1 {
		b.WriteString(" Covered by 1 article.")
	} else if n > 1 {
		fmt.Fprintf(&b, " Covered by %d articles.", n)
	}
	return b.String()
}

// PurgeResult is the events_purge job result.
type PurgeResult struct {
	Purged int64 `json:"purged"`
}

// HandlePurge drops weak non-manual events: fewer than two linked
// articles and severity below HIGH.
func (r *Rebuilder) HandlePurge(ctx context.Context, _ json.RawMessage) (any, error) {
	purged, err := r.store.PurgeWeakEvents(ctx, 2, model.SeverityHigh)
	if err != nil {
		return nil, err
	}
	if purged > 0 {
		r.logger.Info("weak events purged", zap.Int64("count", purged))
	}
	return PurgeResult{Purged: purged}, nil
}
