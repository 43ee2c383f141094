package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/admin"
	"github.com/sempervigil/sempervigil/internal/model"
	"github.com/sempervigil/sempervigil/internal/store"
)

type fakeAdminStore struct {
	jobs      map[string]*model.Job
	sources   map[string]*model.Source
	runtime   map[string]json.RawMessage
	enqueued  []model.EnqueueRequest
	canceled  []string
	cancelAll bool
	cleared   string
	secrets   map[string]string
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		jobs:    make(map[string]*model.Job),
		sources: make(map[string]*model.Source),
		runtime: make(map[string]json.RawMessage),
		secrets: make(map[string]string),
	}
}

func (f *fakeAdminStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, model.Errf(model.KindNotFound, "job %s not found", jobID)
	}
	return j, nil
}

func (f *fakeAdminStore) ListJobs(_ context.Context, filter store.JobFilter) ([]model.Job, error) {
	var out []model.Job
	for _, j := range f.jobs {
		if filter.Status != "" && string(j.Status) != filter.Status {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeAdminStore) RequestCancel(_ context.Context, jobID string) (model.JobStatus, error) {
	if _, ok := f.jobs[jobID]; !ok {
		return "", model.Errf(model.KindNotFound, "job %s not found", jobID)
	}
	f.canceled = append(f.canceled, jobID)
	return model.JobStatusCanceled, nil
}

func (f *fakeAdminStore) CancelAll(context.Context) (int64, int64, error) {
	f.cancelAll = true
	return 3, 1, nil
}

func (f *fakeAdminStore) Enqueue(_ context.Context, req model.EnqueueRequest) (*model.Job, error) {
	f.enqueued = append(f.enqueued, req)
	return &model.Job{ID: "job-1", JobType: req.JobType, Status: model.JobStatusQueued}, nil
}

func (f *fakeAdminStore) UpsertSource(_ context.Context, src *model.Source) error {
	if src.ID == "" {
		return model.Errf(model.KindValidation, "source id is required")
	}
	f.sources[src.ID] = src
	return nil
}

func (f *fakeAdminStore) GetSource(_ context.Context, id string) (*model.Source, error) {
	src, ok := f.sources[id]
	if !ok {
		return nil, model.Errf(model.KindNotFound, "source %s not found", id)
	}
	return src, nil
}

func (f *fakeAdminStore) ListSources(context.Context) ([]model.Source, error) {
	var out []model.Source
	for _, s := range f.sources {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeAdminStore) ResumeSource(_ context.Context, id string) error {
	if _, ok := f.sources[id]; !ok {
		return model.Errf(model.KindNotFound, "source %s not found", id)
	}
	return nil
}

func (f *fakeAdminStore) DeleteSource(_ context.Context, id string) error {
	delete(f.sources, id)
	return nil
}

func (f *fakeAdminStore) RecentSourceHealth(_ context.Context, _ string, _ int) ([]model.SourceHealth, error) {
	return nil, nil
}

func (f *fakeAdminStore) RuntimeConfig(context.Context) (*store.RuntimeSnapshot, error) {
	return &store.RuntimeSnapshot{Version: 1, Data: f.runtime}, nil
}

func (f *fakeAdminStore) PatchRuntimeConfig(_ context.Context, patch map[string]json.RawMessage) (*store.RuntimeSnapshot, error) {
	for k, v := range patch {
		if string(v) == "null" {
			delete(f.runtime, k)
			continue
		}
		f.runtime[k] = v
	}
	return &store.RuntimeSnapshot{Version: 2, Data: f.runtime}, nil
}

func (f *fakeAdminStore) ClearContentByType(_ context.Context, contentType string) (int64, error) {
	switch contentType {
	case "articles", "cves", "events", "all":
		f.cleared = contentType
		return 42, nil
	default:
		return 0, model.Errf(model.KindValidation, "unknown content type %q", contentType)
	}
}

func (f *fakeAdminStore) ListLLMRuns(context.Context, int) ([]model.LLMRun, error) {
	return []model.LLMRun{{ProviderID: "openai", OK: true}}, nil
}

func (f *fakeAdminStore) PutProviderSecret(_ context.Context, providerID, wrapped string) error {
	f.secrets[providerID] = wrapped
	return nil
}

type fakeTester struct{ decisions []model.Decision }

func (f *fakeTester) TestSource(_ context.Context, sourceID string) ([]model.Decision, error) {
	if sourceID == "missing" {
		return nil, model.Errf(model.KindNotFound, "source missing not found")
	}
	return f.decisions, nil
}

type fakeKeeper struct{}

func (fakeKeeper) Wrap(plaintext string) (string, error) { return "wrapped:" + plaintext, nil }

func testServer(t *testing.T, st *fakeAdminStore, apiKey string) *httptest.Server {
	t.Helper()
	tester := &fakeTester{decisions: []model.Decision{{Verdict: model.DecisionAccept, Title: "ok"}}}
	srv := admin.NewServer(st, tester, fakeKeeper{}, admin.Config{APIKey: apiKey}, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, apiKey string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestEnqueueJob(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	ts := testServer(t, st, "")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/", "",
		`{"job_type":"cve_sync","payload":{"since":null}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotNil(t, body["job"])
	require.Len(t, st.enqueued, 1)
	assert.Equal(t, model.JobCveSync, st.enqueued[0].JobType)
}

func TestEnqueueJobRejectsUnknownType(t *testing.T) {
	t.Parallel()

	ts := testServer(t, newFakeAdminStore(), "")
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/", "", `{"job_type":"mine_bitcoin"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["kind"])
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	st.jobs["j9"] = &model.Job{ID: "j9", Status: model.JobStatusQueued}
	ts := testServer(t, st, "")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/j9/cancel", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "canceled", body["status"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/nope/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])
}

func TestCancelAll(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	ts := testServer(t, st, "")
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/cancel-all", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["canceled"])
	assert.True(t, st.cancelAll)
}

func TestUpsertAndTestSource(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	ts := testServer(t, st, "")

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/sources/", "",
		`{"id":"msrc","name":"MSRC Blog","kind":"rss","url":"https://example.com/feed.xml","enabled":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, st.sources, "msrc")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sources/msrc/test", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decisions := body["decisions"].([]any)
	require.Len(t, decisions, 1)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/sources/missing/test", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])
}

func TestPatchRuntimeConfig(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	ts := testServer(t, st, "")

	resp, body := doJSON(t, http.MethodPatch, ts.URL+"/v1/config/", "",
		`{"llm.fail_open":false,"events.window_days":7}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["version"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, false, cfg["llm.fail_open"])
}

func TestRunNowCommandsAreDeduplicated(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	ts := testServer(t, st, "")

	for _, path := range []string{"/v1/cve-sync", "/v1/events/rebuild", "/v1/events/purge"} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+path, "", "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, path)
	}
	require.Len(t, st.enqueued, 3)
	assert.Equal(t, model.JobCveSync, st.enqueued[0].IdempotencyKey)
	assert.Equal(t, model.JobEventsRebuild, st.enqueued[1].IdempotencyKey)
}

func TestClearContentRequiresConfirm(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	ts := testServer(t, st, "")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/content/clear", "", `{"content_type":"articles"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, st.cleared)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/content/clear", "",
		`{"content_type":"articles","confirm":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(42), body["deleted"])
	assert.Equal(t, "articles", st.cleared)
}

func TestPutProviderSecretWrapsKey(t *testing.T) {
	t.Parallel()

	st := newFakeAdminStore()
	ts := testServer(t, st, "")

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/llm/secrets/openai", "", `{"api_key":"sk-test"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wrapped:sk-test", st.secrets["openai"])
	assert.False(t, strings.Contains(st.secrets["openai"], "plaintext"))
}

func TestAPIKeyGuardsCommands(t *testing.T) {
	t.Parallel()

	ts := testServer(t, newFakeAdminStore(), "hunter2")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["message"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/", "hunter2", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthResp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)
}
