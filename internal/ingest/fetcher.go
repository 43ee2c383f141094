package ingest

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sempervigil/sempervigil/internal/model"
)

// FetchResult is the outcome of one conditional GET against a source.
type FetchResult struct {
	Status       int
	NotModified  bool
	Body         []byte
	ETag         string
	LastModified string
}

const maxFeedBody = 10 << 20

// Fetcher issues conditional GETs for sources, carrying per-source
// validator state (ETag / Last-Modified) between polls.
type Fetcher struct {
	client    *http.Client
	limiter   *RateLimiter
	userAgent string
}

// FetcherConfig configures the shared HTTP client.
type FetcherConfig struct {
	Timeout    time.Duration
	UserAgent  string
	DefaultRPS float64
}

// NewFetcher builds a Fetcher with a pooled transport.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		limiter:   NewRateLimiter(cfg.DefaultRPS),
		userAgent: cfg.UserAgent,
	}
}

// Fetch performs a conditional GET for the source. A 304 response is a
// success with NotModified set and no body. Non-2xx statuses map to the
// error taxonomy via the status code, with Retry-After folded into
// rate-limited errors so the retry policy can space the next attempt.
func (f *Fetcher) Fetch(ctx context.Context, src *model.Source) (*FetchResult, error) {
	if err := f.limiter.Wait(ctx, src); err != nil {
		return nil, err
	}

	reqCtx := ctx
	if t := src.Overrides.TimeoutSeconds; t > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, model.WrapErr(model.KindValidation, err, "build request for %s", src.ID)
	}
	ua := f.userAgent
	if src.Overrides.UserAgent != "" {
		ua = src.Overrides.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/html;q=0.8, */*;q=0.5")
	for k, v := range src.Overrides.Headers {
		req.Header.Set(k, v)
	}
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.WrapErr(model.ClassifyErr(err), err, "fetch %s", src.URL)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		Status:       resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.NotModified = true
		return result, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
		if err != nil {
			return nil, model.WrapErr(model.KindTransient, err, "read body from %s", src.URL)
		}
		result.Body = body
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return result, &model.RateLimitedError{
			RetryAfter: retryAfter,
			Err:        model.Errf(model.KindRateLimited, "%s returned 429", src.URL),
		}
	default:
		kind := model.KindForStatus(resp.StatusCode)
		return result, model.Errf(kind, "%s returned %d", src.URL, resp.StatusCode)
	}
}

// ParseRetryAfter interprets a Retry-After header as either a delay in
// seconds or an HTTP date. Zero means the header was absent or unusable.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
