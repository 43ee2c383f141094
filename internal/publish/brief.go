package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
	"github.com/sempervigil/sempervigil/internal/store"
)

type briefPayload struct {
	Date string `json:"date,omitempty"`
}

// BriefResult is the build_daily_brief job result.
type BriefResult struct {
	Date     string `json:"date"`
	Articles int    `json:"articles"`
	Path     string `json:"path,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
}

// HandleBuildDailyBrief assembles the day's summarized articles into a
// digest page plus a JSON sidecar. The payload may pin a date
// (YYYY-MM-DD); it defaults to the current UTC day.
func (p *Publisher) HandleBuildDailyBrief(ctx context.Context, raw json.RawMessage) (any, error) {
	var payload briefPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, model.Errf(model.KindValidation, "build_daily_brief: bad payload")
		}
	}
	day := p.nowFn().UTC().Truncate(24 * time.Hour)
	if payload.Date != "" {
		parsed, err := time.Parse("2006-01-02", payload.Date)
		if err != nil {
			return nil, model.Errf(model.KindValidation, "build_daily_brief: bad date %q", payload.Date)
		}
		day = parsed
	}
	dayEnd := day.Add(24 * time.Hour)
	dateStr := day.Format("2006-01-02")

	articles, err := p.store.ListArticles(ctx, store.ArticleFilter{IngestedSince: day, Limit: 500})
	if err != nil {
		return nil, err
	}
	var picked []model.Article
	for _, a := range articles {
		if a.IngestedAt.Before(dayEnd) && (a.SummaryLLM != "" || a.Summary != "") {
			picked = append(picked, a)
		}
	}
	if len(picked) == 0 {
		return BriefResult{Date: dateStr, Skipped: "no summarized articles"}, nil
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].Title < picked[j].Title })

	relPath := filepath.Join("briefs", dateStr+"-brief.md")
	if err := writeFileAtomic(filepath.Join(p.cfg.ContentDir, relPath), renderBrief(dateStr, picked)); err != nil {
		return nil, model.WrapErr(model.KindTransient, err, "write daily brief")
	}
	if err := p.writeBriefJSON(dateStr, picked); err != nil {
		return nil, err
	}
	if err := p.ScheduleBuild(ctx); err != nil {
		return nil, err
	}

	p.logger.Info("daily brief built",
		zap.String("date", dateStr), zap.Int("articles", len(picked)))
	return BriefResult{Date: dateStr, Articles: len(picked), Path: relPath}, nil
}

func renderBrief(date string, articles []model.Article) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "---\ntitle: \"Daily brief, %s\"\ndate: %s\n---\n\n", date, date)
	for _, a := range articles {
		summary := a.SummaryLLM
		if summary == "" {
			summary = a.Summary
		}
		fmt.Fprintf(&b, "- [%s](%s): %s\n", a.Title, a.CanonicalURL, truncate(summary, indexDescriptionLimit))
	}
	return []byte(b.String())
}

type briefIndexEntry struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

func (p *Publisher) writeBriefJSON(date string, articles []model.Article) error {
	entries := make([]briefIndexEntry, 0, len(articles))
	for _, a := range articles {
		summary := a.SummaryLLM
		if summary == "" {
			summary = a.Summary
		}
		entries = append(entries, briefIndexEntry{
			ID: a.ID, Title: a.Title, URL: a.CanonicalURL,
			Summary: truncate(summary, indexDescriptionLimit),
		})
	}
	return p.writeJSONIndex("brief-"+date+".json", entries)
}
