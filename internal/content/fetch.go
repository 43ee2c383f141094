// Package content implements the fetch_article_content stage: pull the
// article page, extract readable text, and hand the article to the
// summarization or publishing stage.
package content

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Page is a fetched article page.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
}

// PageFetcher retrieves a single article page.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string) (Page, error)
}

// CollyFetcher fetches article pages through a shared colly collector.
type CollyFetcher struct {
	base *colly.Collector
}

// CollyConfig tunes the shared collector.
type CollyConfig struct {
	UserAgent   string
	Timeout     time.Duration
	Parallelism int
	DelayPerMs  int
}

// NewCollyFetcher builds the collector with a pooled transport.
func NewCollyFetcher(cfg CollyConfig) (*CollyFetcher, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(timeout)
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		Delay:       time.Duration(cfg.DelayPerMs) * time.Millisecond,
	}); err != nil {
		return nil, err
	}
	return &CollyFetcher{base: base}, nil
}

type fetchResult struct {
	page Page
	err  error
}

// FetchPage retrieves one page. Non-2xx statuses are returned as
// classified errors so the queue retry policy applies.
func (f *CollyFetcher) FetchPage(ctx context.Context, rawURL string) (Page, error) {
	collector := f.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{page: Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte{}, r.Body...),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			send(fetchResult{err: model.Errf(model.KindForStatus(r.StatusCode), "%s returned %d", rawURL, r.StatusCode)})
			return
		}
		if err == nil {
			err = errors.New("unknown fetch error")
		}
		send(fetchResult{err: model.WrapErr(model.ClassifyErr(err), err, "fetch %s", rawURL)})
	})

	if err := collector.Visit(rawURL); err != nil {
		return Page{}, model.WrapErr(model.ClassifyErr(err), err, "visit %s", rawURL)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return Page{}, model.WrapErr(model.KindCanceled, err, "fetch %s", rawURL)
		}
		return res.page, res.err
	default:
		return Page{}, model.Errf(model.KindTransient, "fetch %s produced no result", rawURL)
	}
}
