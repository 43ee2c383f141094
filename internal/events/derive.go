package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

// incidentSignals maps an entity label to the phrases that suggest it.
// First match wins, so the more specific phrases come first.
var incidentSignals = []struct {
	entity  string
	phrases []string
}{
	{"ransomware", []string{"ransomware"}},
	{"zero_day", []string{"zero-day", "zero day", "0-day"}},
	{"exploitation", []string{"actively exploited", "exploited in the wild", "mass exploitation"}},
	{"breach", []string{"data breach", "breached", "data leak", "stolen data"}},
	{"campaign", []string{"phishing campaign", "malware campaign", "espionage campaign"}},
	{"outage", []string{"outage", "service disruption"}},
	{"advisory", []string{"security advisory", "emergency directive"}},
}

type derivePayload struct {
	ArticleID string `json:"article_id"`
}

// DeriveResult is the derive_events_from_articles job result.
type DeriveResult struct {
	ArticleID string `json:"article_id"`
	EventKey  string `json:"event_key,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
}

// HandleDerive proposes an incident event when an article's text carries
// a strong incident signal. Keys include the article's day so repeated
// coverage of one incident lands on one event.
func (r *Rebuilder) HandleDerive(ctx context.Context, raw json.RawMessage) (any, error) {
	var p derivePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ArticleID == "" {
		return nil, model.Errf(model.KindValidation, "derive_events_from_articles: article_id required")
	}

	article, err := r.store.GetArticle(ctx, p.ArticleID)
	if err != nil {
		return nil, err
	}

	entity, phrase := matchIncident(article.Title + "\n" + article.Summary + "\n" + article.ContentText)
	if entity == "" {
		return DeriveResult{ArticleID: article.ID, Skipped: "no incident signal"}, nil
	}

	day := article.BestDate().UTC().Format("2006-01-02")
	key := fmt.Sprintf("evt:incident:%s:%s", entity, day)

	old, err := r.store.GetEventByKey(ctx, key)
	if err != nil && model.ClassifyErr(err) != model.KindNotFound {
		return nil, err
	}
	if old != nil && old.Manual {
		return DeriveResult{ArticleID: article.ID, Skipped: "manual event"}, nil
	}

	stored, err := r.store.UpsertEvent(ctx, &model.Event{
		EventKey:    key,
		Kind:        model.EventKindIncident,
		Status:      model.EventProposed,
		Title:       article.Title,
		Summary:     fmt.Sprintf("Incident signal %q seen in coverage on %s.", phrase, day),
		FirstSeenAt: article.BestDate().UTC(),
		LastSeenAt:  article.BestDate().UTC(),
	})
	if err != nil {
		return nil, err
	}

	links, err := r.store.ArticleCVEs(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	evidence, _ := json.Marshal(map[string]string{"signal": phrase})
	eventArticles := []model.EventArticle{{
		EventID:    stored.ID,
		ArticleID:  article.ID,
		Confidence: 0.6,
		Band:       model.BandProbable,
		Reasons:    []string{"rule.incident." + entity},
		Evidence:   evidence,
	}}
	var eventCVEs []model.EventCVE
	for _, l := range links {
		eventCVEs = append(eventCVEs, model.EventCVE{
			EventID:    stored.ID,
			CveID:      l.CveID,
			Confidence: l.Confidence,
			Band:       l.Band,
			Reasons:    l.Reasons,
		})
	}
	if err := r.mergeEventLinks(ctx, stored.ID, eventCVEs, eventArticles); err != nil {
		return nil, err
	}

	r.logger.Info("incident event derived",
		zap.String("article_id", article.ID),
		zap.String("event_key", key),
		zap.String("signal", phrase))
	return DeriveResult{ArticleID: article.ID, EventKey: key}, nil
}

// mergeEventLinks unions the new links with whatever the event already
// has, so a second article on the same incident adds to it.
func (r *Rebuilder) mergeEventLinks(ctx context.Context, eventID int64, cves []model.EventCVE, articles []model.EventArticle) error {
	existingCVEs, err := r.store.EventCVELinks(ctx, eventID)
	if err != nil {
		return err
	}
	existingArticles, err := r.store.EventArticleLinks(ctx, eventID)
	if err != nil {
		return err
	}

	seenCVE := make(map[string]bool)
	for _, c := range existingCVEs {
		seenCVE[c.CveID] = true
	}
	for _, c := range cves {
		if !seenCVE[c.CveID] {
			existingCVEs = append(existingCVEs, c)
		}
	}
	seenArticle := make(map[string]bool)
	for _, a := range existingArticles {
		seenArticle[a.ArticleID] = true
	}
	for _, a := range articles {
		if !seenArticle[a.ArticleID] {
			existingArticles = append(existingArticles, a)
		}
	}
	return r.store.ReplaceEventLinks(ctx, eventID, existingCVEs, nil, existingArticles)
}

func matchIncident(text string) (entity, phrase string) {
	lowered := strings.ToLower(text)
	for _, sig := range incidentSignals {
		for _, p := range sig.phrases {
			if strings.Contains(lowered, p) {
				return sig.entity, p
			}
		}
	}
	return "", ""
}
