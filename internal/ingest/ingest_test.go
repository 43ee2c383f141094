package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	sources  map[string]*model.Source
	articles map[string]*model.Article
	links    []model.ArticleCVE
	stubs    []string
	health   []model.SourceHealth
	streaks  model.SourceStreaks
	paused   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources:  make(map[string]*model.Source),
		articles: make(map[string]*model.Article),
		paused:   make(map[string]string),
	}
}

func (f *fakeStore) GetSource(_ context.Context, id string) (*model.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return nil, model.Errf(model.KindNotFound, "source %s", id)
	}
	cp := *src
	return &cp, nil
}

func (f *fakeStore) ListDueSources(_ context.Context, _ time.Time) ([]model.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Source
	for _, s := range f.sources {
		if s.Enabled {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) TouchSourceFetch(_ context.Context, id, etag, lastModified string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if src, ok := f.sources[id]; ok {
		src.ETag = etag
		src.LastModified = lastModified
		src.LastFetchAt = &at
	}
	return nil
}

func (f *fakeStore) PauseSource(_ context.Context, id string, _ time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[id] = reason
	return nil
}

func (f *fakeStore) ArticleExists(_ context.Context, _, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.articles[id]
	return ok, nil
}

func (f *fakeStore) InsertArticle(_ context.Context, a *model.Article) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.articles[a.ID]; ok {
		return false, nil
	}
	cp := *a
	f.articles[a.ID] = &cp
	return true, nil
}

func (f *fakeStore) UpsertCVEStub(_ context.Context, cveID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs = append(f.stubs, cveID)
	return nil
}

func (f *fakeStore) LinkArticleCVE(_ context.Context, link *model.ArticleCVE) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, *link)
	return nil
}

func (f *fakeStore) AppendSourceHealth(_ context.Context, h *model.SourceHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = append(f.health, *h)
	return nil
}

func (f *fakeStore) SourceStreaks(_ context.Context, _ string, _ int) (model.SourceStreaks, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaks, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []model.EnqueueRequest
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req model.EnqueueRequest) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, req)
	return &model.Job{JobType: req.JobType, Status: model.JobStatusQueued}, nil
}

func (f *fakeEnqueuer) ofType(jobType string) []model.EnqueueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EnqueueRequest
	for _, j := range f.jobs {
		if j.JobType == jobType {
			out = append(out, j)
		}
	}
	return out
}

func testIngestor(t *testing.T, st *fakeStore, enq *fakeEnqueuer) *Ingestor {
	t.Helper()
	fetcher := NewFetcher(FetcherConfig{Timeout: 5 * time.Second, UserAgent: "sempervigil-test/1.0"})
	return New(st, enq, fetcher, Config{}, zap.NewNop())
}

func rssSource(id, url string) *model.Source {
	return &model.Source{
		ID:              id,
		Name:            id,
		Kind:            model.SourceKindRSS,
		URL:             url,
		Enabled:         true,
		IntervalMinutes: 30,
	}
}

func TestHandleIngestSourceHappyPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	st := newFakeStore()
	st.sources["threat-wire"] = rssSource("threat-wire", srv.URL)
	enq := &fakeEnqueuer{}
	in := testIngestor(t, st, enq)

	got, err := in.HandleIngestSource(context.Background(), json.RawMessage(`{"source_id":"threat-wire"}`))
	require.NoError(t, err)

	result := got.(SourceResult)
	assert.Equal(t, 3, result.Found)
	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 0, result.Seen)
	assert.Equal(t, 0, result.Filtered)

	assert.Len(t, st.articles, 3)
	require.Len(t, st.health, 1)
	assert.True(t, st.health[0].OK)
	assert.Equal(t, 3, st.health[0].FoundCount)
	assert.Equal(t, 3, st.health[0].AcceptedCount)

	fetchJobs := enq.ofType(model.JobFetchContent)
	assert.Len(t, fetchJobs, 3)

	assert.ElementsMatch(t, []string{"CVE-2024-00123", "CVE-2024-99999"}, st.stubs)
	require.Len(t, st.links, 2)
	assert.Equal(t, model.BandLinked, st.links[0].Band)
	assert.InDelta(t, 1.0, st.links[0].Confidence, 0.0001)
	assert.Equal(t, []string{model.ReasonCVEExplicit}, st.links[0].Reasons)

	assert.Equal(t, `"v1"`, st.sources["threat-wire"].ETag)
}

func TestHandleIngestSourceCountsDuplicates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	st := newFakeStore()
	st.sources["threat-wire"] = rssSource("threat-wire", srv.URL)
	enq := &fakeEnqueuer{}
	in := testIngestor(t, st, enq)

	_, err := in.HandleIngestSource(context.Background(), json.RawMessage(`{"source_id":"threat-wire"}`))
	require.NoError(t, err)

	got, err := in.HandleIngestSource(context.Background(), json.RawMessage(`{"source_id":"threat-wire"}`))
	require.NoError(t, err)

	result := got.(SourceResult)
	assert.Equal(t, 3, result.Found)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 3, result.Seen)
	assert.Len(t, st.articles, 3)
}

func TestHandleIngestSourceNotModified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	st := newFakeStore()
	src := rssSource("threat-wire", srv.URL)
	src.ETag = `"v1"`
	st.sources["threat-wire"] = src
	enq := &fakeEnqueuer{}
	in := testIngestor(t, st, enq)

	got, err := in.HandleIngestSource(context.Background(), json.RawMessage(`{"source_id":"threat-wire"}`))
	require.NoError(t, err)

	result := got.(SourceResult)
	assert.True(t, result.NotModified)
	assert.Equal(t, 0, result.Found)
	require.Len(t, st.health, 1)
	assert.True(t, st.health[0].OK)
	assert.Empty(t, enq.jobs)
}

func TestHandleIngestSourceSkipsPaused(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	src := rssSource("threat-wire", "https://unreachable.invalid/feed")
	until := time.Now().Add(time.Hour)
	src.PauseUntil = &until
	src.PausedReason = "auto_pause:error_streak:5"
	st.sources["threat-wire"] = src
	in := testIngestor(t, st, &fakeEnqueuer{})

	got, err := in.HandleIngestSource(context.Background(), json.RawMessage(`{"source_id":"threat-wire"}`))
	require.NoError(t, err)
	assert.Equal(t, "paused", got.(SourceResult).Skipped)
	assert.Empty(t, st.health)
}

func TestHandleIngestSourceAutoPausesOnErrorStreak(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newFakeStore()
	st.sources["flaky"] = rssSource("flaky", srv.URL)
	st.streaks = model.SourceStreaks{ConsecutiveErrors: 5}
	in := testIngestor(t, st, &fakeEnqueuer{})

	_, err := in.HandleIngestSource(context.Background(), json.RawMessage(`{"source_id":"flaky"}`))
	require.Error(t, err)
	assert.Equal(t, model.KindTransient, model.ClassifyErr(err))

	require.Len(t, st.health, 1)
	assert.False(t, st.health[0].OK)
	assert.Equal(t, http.StatusInternalServerError, st.health[0].HTTPStatus)
	assert.Contains(t, st.paused["flaky"], "auto_pause:error_streak")
}

func TestHandleIngestSourceRejectsBadPayload(t *testing.T) {
	t.Parallel()

	in := testIngestor(t, newFakeStore(), &fakeEnqueuer{})
	_, err := in.HandleIngestSource(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.ClassifyErr(err))
}

func TestHandleIngestDueSources(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.sources["a"] = rssSource("a", "https://a.example.com/feed")
	st.sources["b"] = rssSource("b", "https://b.example.com/feed")
	enq := &fakeEnqueuer{}
	in := testIngestor(t, st, enq)

	got, err := in.HandleIngestDueSources(context.Background(), nil)
	require.NoError(t, err)

	result := got.(DueSourcesResult)
	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 2, result.Enqueued)

	jobs := enq.ofType(model.JobIngestSource)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.NotEmpty(t, j.IdempotencyKey)
	}
}

func TestTestSourceReturnsDecisions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	st := newFakeStore()
	src := rssSource("threat-wire", srv.URL)
	src.Overrides.DenyKeywords = []string{"webinar"}
	st.sources["threat-wire"] = src
	in := testIngestor(t, st, &fakeEnqueuer{})

	decisions, err := in.TestSource(context.Background(), "threat-wire")
	require.NoError(t, err)
	require.Len(t, decisions, 3)

	assert.Equal(t, model.DecisionAccept, decisions[0].Verdict)
	assert.Equal(t, "https://news.example.com/exchange", decisions[0].CanonicalURL)
	assert.NotEmpty(t, decisions[0].ArticleID)

	assert.Equal(t, model.DecisionSkip, decisions[2].Verdict)
	assert.Equal(t, []string{"deny_keywords:webinar"}, decisions[2].Reasons)

	// Nothing persisted, nothing enqueued.
	assert.Empty(t, st.articles)
}

func TestFetcherHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	fetcher := NewFetcher(FetcherConfig{Timeout: 5 * time.Second})
	_, err := fetcher.Fetch(context.Background(), rssSource("limited", srv.URL))
	require.Error(t, err)
	assert.Equal(t, model.KindRateLimited, model.ClassifyErr(err))
	assert.Equal(t, 2*time.Minute, model.RetryAfterHint(err))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 8, 5, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 90*time.Second, ParseRetryAfter("90", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("bogus", now))
	assert.Equal(t, time.Hour, ParseRetryAfter(now.Add(time.Hour).Format(http.TimeFormat), now))
}
