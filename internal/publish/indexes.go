package publish

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/sempervigil/sempervigil/internal/model"
	"github.com/sempervigil/sempervigil/internal/store"
)

// Index entry shapes carry only what the site's client-side search
// needs; the full rows stay in the database.

type articleIndexEntry struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	URL       string   `json:"url"`
	Date      string   `json:"date"`
	Source    string   `json:"source"`
	Tags      []string `json:"tags,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Path      string   `json:"path,omitempty"`
}

type cveIndexEntry struct {
	ID          string   `json:"cve_id"`
	Severity    string   `json:"severity,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	Description string   `json:"description,omitempty"`
	Modified    string   `json:"modified,omitempty"`
}

type eventIndexEntry struct {
	Key      string `json:"event_key"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Severity string `json:"severity,omitempty"`
	LastSeen string `json:"last_seen"`
}

const indexDescriptionLimit = 280

// WriteIndexes regenerates articles.json, cves.json, and events.json in
// the data directory. Each file lands atomically.
func (p *Publisher) WriteIndexes(ctx context.Context) error {
	articles, err := p.store.ListArticles(ctx, store.ArticleFilter{Limit: 2000})
	if err != nil {
		return err
	}
	articleIndex := make([]articleIndexEntry, 0, len(articles))
	for _, a := range articles {
		summary := a.SummaryLLM
		if summary == "" {
			summary = a.Summary
		}
		articleIndex = append(articleIndex, articleIndexEntry{
			ID:      a.ID,
			Title:   a.Title,
			URL:     a.CanonicalURL,
			Date:    a.BestDate().UTC().Format("2006-01-02"),
			Source:  a.SourceID,
			Tags:    a.Tags,
			Summary: truncate(summary, indexDescriptionLimit),
			Path:    a.PublishedMDPath,
		})
	}
	if err := p.writeJSONIndex("articles.json", articleIndex); err != nil {
		return err
	}

	cves, err := p.store.ListCVEs(ctx, 2000)
	if err != nil {
		return err
	}
	cveIndex := make([]cveIndexEntry, 0, len(cves))
	for _, c := range cves {
		entry := cveIndexEntry{
			ID:          c.ID,
			Severity:    string(c.PreferredSeverity),
			Score:       c.PreferredScore,
			Description: truncate(c.Description, indexDescriptionLimit),
		}
		if c.LastModifiedAt != nil {
			entry.Modified = c.LastModifiedAt.UTC().Format(time.RFC3339)
		}
		cveIndex = append(cveIndex, entry)
	}
	if err := p.writeJSONIndex("cves.json", cveIndex); err != nil {
		return err
	}

	events, err := p.store.ListEvents(ctx)
	if err != nil {
		return err
	}
	eventIndex := make([]eventIndexEntry, 0, len(events))
	for _, e := range events {
		eventIndex = append(eventIndex, eventIndexEntry{
			Key:      e.EventKey,
			Kind:     string(e.Kind),
			Title:    e.Title,
			Status:   string(e.Status),
			Severity: string(e.Severity),
			LastSeen: e.LastSeenAt.UTC().Format(time.RFC3339),
		})
	}
	return p.writeJSONIndex("events.json", eventIndex)
}

func (p *Publisher) writeJSONIndex(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return model.WrapErr(model.KindPermanent, err, "marshal %s", name)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(filepath.Join(p.cfg.DataDir, name), data); err != nil {
		return model.WrapErr(model.KindTransient, err, "write %s", name)
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
