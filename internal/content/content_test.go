package content

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

const pageFixture = `<html><head><title>t</title><script>junk()</script></head>
<body>
<nav>menu</nav>
<article>
  <h1>Exchange zero-day exploited</h1>
  <p>Attackers chain two bugs.</p>
  <p>Patches are available.</p>
</article>
<footer>copyright</footer>
</body></html>`

type fakeContentStore struct {
	mu       sync.Mutex
	articles map[string]*model.Article
	sources  map[string]*model.Source
	content  map[string]string
	errs     map[string]string
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{
		articles: make(map[string]*model.Article),
		sources:  make(map[string]*model.Source),
		content:  make(map[string]string),
		errs:     make(map[string]string),
	}
}

func (f *fakeContentStore) GetArticle(_ context.Context, id string) (*model.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.articles[id]
	if !ok {
		return nil, model.Errf(model.KindNotFound, "article %s", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeContentStore) GetSource(_ context.Context, id string) (*model.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return nil, model.Errf(model.KindNotFound, "source %s", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeContentStore) SetArticleContent(_ context.Context, id, text, _, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[id] = text
	return nil
}

func (f *fakeContentStore) SetArticleContentError(_ context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = errMsg
	return nil
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

type fakePageFetcher struct {
	page Page
	err  error
}

func (f *fakePageFetcher) FetchPage(_ context.Context, _ string) (Page, error) {
	return f.page, f.err
}

type staticRouter bool

func (r staticRouter) Routed(_ context.Context, _ string) (bool, error) {
	return bool(r), nil
}

func seedArticle(st *fakeContentStore, fetchFull *bool) {
	st.articles["a1"] = &model.Article{
		ID:           "a1",
		SourceID:     "s1",
		Title:        "Exchange zero-day exploited",
		CanonicalURL: "https://news.example.com/exchange",
	}
	st.sources["s1"] = &model.Source{
		ID:        "s1",
		Kind:      model.SourceKindRSS,
		Overrides: model.SourceOverrides{FetchFullContent: fetchFull},
	}
}

func TestHandleStoresExtractedText(t *testing.T) {
	t.Parallel()

	st := newFakeContentStore()
	seedArticle(st, nil)
	enq := &fakeEnqueuer{}
	h := NewHandler(st, enq, &fakePageFetcher{page: Page{StatusCode: 200, Body: []byte(pageFixture)}}, staticRouter(true), zap.NewNop())

	got, err := h.Handle(context.Background(), json.RawMessage(`{"article_id":"a1"}`))
	require.NoError(t, err)

	result := got.(Result)
	assert.Equal(t, model.JobSummarizeArticle, result.Next)
	assert.Positive(t, result.TextChars)

	text := st.content["a1"]
	assert.Contains(t, text, "Attackers chain two bugs.")
	assert.NotContains(t, text, "junk()")
	assert.NotContains(t, text, "menu")

	require.Len(t, enq.jobs, 1)
	assert.Equal(t, model.JobSummarizeArticle, enq.jobs[0].JobType)
}

func TestHandleRecordsFetchError(t *testing.T) {
	t.Parallel()

	st := newFakeContentStore()
	seedArticle(st, nil)
	h := NewHandler(st, &fakeEnqueuer{},
		&fakePageFetcher{err: model.Errf(model.KindTransient, "boom")}, staticRouter(true), zap.NewNop())

	_, err := h.Handle(context.Background(), json.RawMessage(`{"article_id":"a1"}`))
	require.Error(t, err)
	assert.Contains(t, st.errs["a1"], "boom")
}

func TestHandleSkipsFetchWhenDisabled(t *testing.T) {
	t.Parallel()

	st := newFakeContentStore()
	off := false
	seedArticle(st, &off)
	enq := &fakeEnqueuer{}
	h := NewHandler(st, enq, &fakePageFetcher{err: model.Errf(model.KindInternal, "must not be called")}, staticRouter(false), zap.NewNop())

	got, err := h.Handle(context.Background(), json.RawMessage(`{"article_id":"a1"}`))
	require.NoError(t, err)

	result := got.(Result)
	assert.NotEmpty(t, result.Skipped)
	assert.Equal(t, model.JobWriteMarkdown, result.Next)
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, model.JobWriteMarkdown, enq.jobs[0].JobType)
	assert.Empty(t, st.content)
}

func TestHandleRejectsBadPayload(t *testing.T) {
	t.Parallel()

	h := NewHandler(newFakeContentStore(), &fakeEnqueuer{}, &fakePageFetcher{}, staticRouter(false), zap.NewNop())
	_, err := h.Handle(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.ClassifyErr(err))
}

func TestExtractPrefersArticleRegion(t *testing.T) {
	t.Parallel()

	got, err := Extract([]byte(pageFixture))
	require.NoError(t, err)
	assert.Contains(t, got.Text, "Exchange zero-day exploited")
	assert.Contains(t, got.Text, "Patches are available.")
	assert.NotContains(t, got.Text, "copyright")
	assert.NotEmpty(t, got.HTMLExcerpt)
}

func TestExtractFallsBackToBody(t *testing.T) {
	t.Parallel()

	got, err := Extract([]byte(`<html><body><p>plain page</p></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, "plain page", got.Text)
}
