package queue

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

// fakeStore hands out queued jobs and records terminal transitions.
type fakeStore struct {
	mu        sync.Mutex
	queued    []*model.Job
	completed []string
	failed    map[string]string
	requeued  map[string]time.Time
	canceled  map[string]string
	cancelAll bool
}

func newFakeStore(jobs ...*model.Job) *fakeStore {
	return &fakeStore{
		queued:   jobs,
		failed:   map[string]string{},
		requeued: map[string]time.Time{},
		canceled: map[string]string{},
	}
}

func (f *fakeStore) Claim(_ context.Context, _ string, jobTypes []string, _ time.Duration) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	allowed := map[string]bool{}
	for _, t := range jobTypes {
		allowed[t] = true
	}
	for i, job := range f.queued {
		if allowed[job.JobType] {
			f.queued = append(f.queued[:i], f.queued[i+1:]...)
			job.Status = model.JobStatusRunning
			job.Attempts++
			return job, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) RenewLease(context.Context, string, string, time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAll, nil
}

func (f *fakeStore) CompleteJob(_ context.Context, jobID string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = errMsg
	return nil
}

func (f *fakeStore) RequeueJob(_ context.Context, jobID, _ string, runAfter time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued[jobID] = runAfter
	return nil
}

func (f *fakeStore) MarkCanceled(_ context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[jobID] = reason
	return nil
}

func queuedJob(id, jobType string) *model.Job {
	return &model.Job{
		ID:          id,
		JobType:     jobType,
		Payload:     json.RawMessage(`{}`),
		Status:      model.JobStatusQueued,
		MaxAttempts: 3,
	}
}

func testPool(store Store, registry *Registry, cfg Config) *Pool {
	return NewPool(store, registry, NewRetryPolicy(time.Millisecond, 10*time.Millisecond),
		nil, zap.NewNop(), cfg)
}

func TestPoolCompletesJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore(queuedJob("j1", model.JobIngestSource))
	registry := NewRegistry()
	registry.MustRegister(model.JobIngestSource, HandlerFunc(
		func(context.Context, json.RawMessage) (any, error) {
			return map[string]int{"accepted": 2}, nil
		}))

	pool := testPool(store, registry, Config{WorkerID: "w1"})
	require.NoError(t, pool.RunOnce(context.Background()))

	assert.Equal(t, []string{"j1"}, store.completed)
	assert.Empty(t, store.failed)
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore(queuedJob("j1", model.JobIngestSource))
	registry := NewRegistry()
	registry.MustRegister(model.JobIngestSource, HandlerFunc(
		func(context.Context, json.RawMessage) (any, error) {
			return nil, model.Errf(model.KindTransient, "feed timeout")
		}))

	pool := testPool(store, registry, Config{WorkerID: "w1"})
	require.NoError(t, pool.RunOnce(context.Background()))

	assert.Contains(t, store.requeued, "j1")
	assert.Empty(t, store.failed)
	assert.True(t, store.requeued["j1"].After(time.Now().Add(-time.Second)))
}

func TestPoolFailsPermanentErrorImmediately(t *testing.T) {
	t.Parallel()

	store := newFakeStore(queuedJob("j1", model.JobIngestSource))
	registry := NewRegistry()
	registry.MustRegister(model.JobIngestSource, HandlerFunc(
		func(context.Context, json.RawMessage) (any, error) {
			return nil, model.Errf(model.KindPermanent, "404 from upstream")
		}))

	pool := testPool(store, registry, Config{WorkerID: "w1"})
	require.NoError(t, pool.RunOnce(context.Background()))

	assert.Contains(t, store.failed, "j1")
	assert.Empty(t, store.requeued)
}

func TestPoolFailsWhenAttemptsExhausted(t *testing.T) {
	t.Parallel()

	job := queuedJob("j1", model.JobIngestSource)
	job.Attempts = 2 // claim bumps to max_attempts
	store := newFakeStore(job)
	registry := NewRegistry()
	registry.MustRegister(model.JobIngestSource, HandlerFunc(
		func(context.Context, json.RawMessage) (any, error) {
			return nil, model.Errf(model.KindTransient, "still flaky")
		}))

	pool := testPool(store, registry, Config{WorkerID: "w1"})
	require.NoError(t, pool.RunOnce(context.Background()))

	assert.Contains(t, store.failed, "j1")
	assert.Empty(t, store.requeued)
}

func TestPoolFailsUnregisteredType(t *testing.T) {
	t.Parallel()

	store := newFakeStore(queuedJob("j1", "mystery_job"))
	pool := testPool(store, NewRegistry(), Config{WorkerID: "w1"})

	job, err := store.Claim(context.Background(), "w1", []string{"mystery_job"}, time.Minute)
	require.NoError(t, err)
	pool.execute(context.Background(), job)

	assert.Equal(t, "no handler registered", store.failed["j1"])
}

func TestPoolCancelsOnLeaseSignal(t *testing.T) {
	t.Parallel()

	store := newFakeStore(queuedJob("j1", model.JobBuildSite))
	store.cancelAll = true
	registry := NewRegistry()
	registry.MustRegister(model.JobBuildSite, HandlerFunc(
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	// Short lease so the keeper polls quickly.
	pool := testPool(store, registry, Config{WorkerID: "w1", LeaseTTL: 90 * time.Millisecond})
	require.NoError(t, pool.RunOnce(context.Background()))

	assert.Contains(t, store.canceled, "j1")
	assert.Empty(t, store.failed)
}

func TestClaimableTypesRespectsCaps(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.MustRegister(model.JobSummarizeArticle, HandlerFunc(nil))
	registry.MustRegister(model.JobIngestSource, HandlerFunc(nil))

	pool := testPool(newFakeStore(), registry, Config{
		WorkerID: "w1",
		TypeCaps: map[string]int{model.JobSummarizeArticle: 1},
	})

	assert.ElementsMatch(t,
		[]string{model.JobIngestSource, model.JobSummarizeArticle}, pool.claimableTypes())

	pool.acquire(model.JobSummarizeArticle)
	assert.ElementsMatch(t, []string{model.JobIngestSource}, pool.claimableTypes())

	pool.release(model.JobSummarizeArticle)
	assert.ElementsMatch(t,
		[]string{model.JobIngestSource, model.JobSummarizeArticle}, pool.claimableTypes())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register("a", HandlerFunc(nil)))
	require.Error(t, registry.Register("a", HandlerFunc(nil)))
}
