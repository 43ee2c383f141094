package nvd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/sempervigil/sempervigil/internal/model"
)

const nvdTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Record is one upstream CVE with its raw JSON preserved.
type Record struct {
	CVE apiCVE
	Raw json.RawMessage
}

// Client pages through the NVD 2.0 delta API.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// ClientConfig tunes the delta client. RateEvery spaces consecutive
// requests; NVD asks for 6s without an API key, 0.6s with one.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	PageSize   int
	MaxRetries int
	Backoff    time.Duration
	RateEvery  time.Duration
	Timeout    time.Duration
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 2000 {
		pageSize = 2000
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 6 * time.Second
	}
	every := cfg.RateEvery
	if every <= 0 {
		if cfg.APIKey != "" {
			every = 600 * time.Millisecond
		} else {
			every = 6 * time.Second
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		pageSize:   pageSize,
		maxRetries: maxRetries,
		backoff:    backoff,
		limiter:    rate.NewLimiter(rate.Every(every), 1),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchWindow returns every record modified inside [start, end), walking
// all pages.
func (c *Client) FetchWindow(ctx context.Context, start, end time.Time) ([]Record, error) {
	var records []Record
	startIndex := 0
	for {
		page, err := c.page(ctx, start, end, startIndex)
		if err != nil {
			return nil, err
		}
		for _, vuln := range page.Vulnerabilities {
			var cve apiCVE
			if err := json.Unmarshal(vuln.CVE, &cve); err != nil {
				return nil, model.Errf(model.KindPermanent, "decode cve record: %v", err)
			}
			records = append(records, Record{CVE: cve, Raw: vuln.CVE})
		}
		startIndex += len(page.Vulnerabilities)
		if startIndex >= page.TotalResults || len(page.Vulnerabilities) == 0 {
			return records, nil
		}
	}
}

func (c *Client) page(ctx context.Context, start, end time.Time, startIndex int) (*apiResponse, error) {
	query := url.Values{}
	query.Set("lastModStartDate", start.UTC().Format(nvdTimeFormat))
	query.Set("lastModEndDate", end.UTC().Format(nvdTimeFormat))
	query.Set("resultsPerPage", strconv.Itoa(c.pageSize))
	query.Set("startIndex", strconv.Itoa(startIndex))
	endpoint := c.baseURL + "?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<(attempt-1))
			if hint := model.RetryAfterHint(lastErr); hint > delay {
				delay = hint
			}
			select {
			case <-ctx.Done():
				return nil, model.WrapErr(model.KindCanceled, ctx.Err(), "nvd page")
			case <-time.After(delay):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, model.WrapErr(model.KindCanceled, err, "nvd rate wait")
		}

		page, err := c.fetchPage(ctx, endpoint)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !model.ClassifyErr(err).Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) fetchPage(ctx context.Context, endpoint string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, model.WrapErr(model.KindValidation, err, "build nvd request")
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.WrapErr(model.ClassifyErr(err), err, "fetch nvd page")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if secs, perr := strconv.Atoi(header); perr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, &model.RateLimitedError{
			RetryAfter: retryAfter,
			Err:        model.Errf(model.KindRateLimited, "nvd returned 429"),
		}
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, model.Errf(model.KindForStatus(resp.StatusCode), "nvd returned %d: %s", resp.StatusCode, detail)
	}

	var page apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, model.WrapErr(model.KindTransient, err, "decode nvd page")
	}
	return &page, nil
}
