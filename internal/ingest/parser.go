package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Item is one raw entry parsed out of a source before normalization.
type Item struct {
	Title     string
	Link      string
	Summary   string
	Content   string
	Author    string
	Published *time.Time
	Updated   *time.Time
}

// Parser turns a fetched body into items; implementations are keyed by
// source kind.
type Parser interface {
	Parse(body []byte, src *model.Source) ([]Item, error)
}

// ParserFor returns the parser for a source kind.
func ParserFor(kind model.SourceKind) (Parser, error) {
	switch kind {
	case model.SourceKindRSS, model.SourceKindAtom, model.SourceKindJSONFeed:
		return &FeedParser{}, nil
	case model.SourceKindHTML:
		return &HTMLParser{}, nil
	}
	return nil, model.Errf(model.KindValidation, "no parser for source kind %q", kind)
}

// FeedParser handles RSS, Atom, and JSON Feed bodies.
type FeedParser struct{}

// Parse implements Parser.
func (p *FeedParser) Parse(body []byte, _ *model.Source) ([]Item, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, model.Errf(model.KindPermanent, "parse feed: %v", err)
	}
	items := make([]Item, 0, len(feed.Items))
	for _, entry := range feed.Items {
		item := Item{
			Title:     StripHTML(entry.Title),
			Link:      strings.TrimSpace(entry.Link),
			Summary:   entry.Description,
			Content:   entry.Content,
			Published: entry.PublishedParsed,
			Updated:   entry.UpdatedParsed,
		}
		if len(entry.Authors) > 0 && entry.Authors[0] != nil {
			item.Author = strings.TrimSpace(entry.Authors[0].Name)
		}
		items = append(items, item)
	}
	return items, nil
}

// HTMLParser scrapes item lists off plain HTML pages using the
// source's configured selectors.
type HTMLParser struct{}

// Parse implements Parser.
func (p *HTMLParser) Parse(body []byte, src *model.Source) ([]Item, error) {
	itemSel := src.Overrides.HTMLItemSelector
	if itemSel == "" {
		return nil, model.Errf(model.KindValidation, "source %s: html_item_selector is required for html sources", src.ID)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, model.Errf(model.KindPermanent, "parse html: %v", err)
	}
	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, model.Errf(model.KindValidation, "source %s: bad base url: %v", src.ID, err)
	}

	var items []Item
	doc.Find(itemSel).Each(func(_ int, sel *goquery.Selection) {
		item := Item{}
		if ts := src.Overrides.HTMLTitleSelector; ts != "" {
			item.Title = StripHTML(sel.Find(ts).First().Text())
		} else {
			item.Title = StripHTML(sel.Text())
		}
		linkSel := sel
		if ls := src.Overrides.HTMLLinkSelector; ls != "" {
			linkSel = sel.Find(ls).First()
		} else if !sel.Is("a") {
			linkSel = sel.Find("a").First()
		}
		if href, ok := linkSel.Attr("href"); ok {
			item.Link = resolveURL(base, href)
		}
		if ss := src.Overrides.HTMLSummarySelector; ss != "" {
			item.Summary = StripHTML(sel.Find(ss).First().Text())
		}
		items = append(items, item)
	})
	return items, nil
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// BestPublishedAt applies the source's date strategy to an item and
// reports which field won.
func BestPublishedAt(item Item, strategy model.DateStrategy) (*time.Time, string) {
	published, updated := item.Published, item.Updated
	switch strategy {
	case model.DateUpdatedThenPublished:
		if updated != nil {
			return updated, model.PublishedAtFromModified
		}
		if published != nil {
			return published, model.PublishedAtFromPublished
		}
	case model.DatePublishedOnly:
		if published != nil {
			return published, model.PublishedAtFromPublished
		}
	case model.DateUpdatedOnly:
		if updated != nil {
			return updated, model.PublishedAtFromModified
		}
	default: // published_then_updated
		if published != nil {
			return published, model.PublishedAtFromPublished
		}
		if updated != nil {
			return updated, model.PublishedAtFromModified
		}
	}
	return nil, ""
}

// ItemText joins the textual fields scanned for keywords and CVE ids.
func ItemText(item Item) string {
	return fmt.Sprintf("%s\n%s\n%s", item.Title, StripHTML(item.Summary), StripHTML(item.Content))
}
