package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	reqs []model.EnqueueRequest
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req model.EnqueueRequest) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &model.Job{JobType: req.JobType}, nil
}

func (f *fakeEnqueuer) byType() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for _, r := range f.reqs {
		counts[r.JobType]++
	}
	return counts
}

func TestSchedulerTickEnqueuesRecurringJobs(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	s := NewScheduler(enq, zap.NewNop(), SchedulerConfig{
		Tick:            time.Minute,
		CveSyncInterval: time.Hour,
	})

	s.tick(context.Background())

	counts := enq.byType()
	assert.Equal(t, 1, counts[model.JobIngestDueSources])
	assert.Equal(t, 1, counts[model.JobCveSync])
	assert.Equal(t, 1, counts[model.JobBuildDailyBrief])
	assert.Equal(t, 1, counts[model.JobEventsPurge])
}

func TestSchedulerHoldsCveSyncUntilInterval(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	s := NewScheduler(enq, zap.NewNop(), SchedulerConfig{
		Tick:            time.Minute,
		CveSyncInterval: time.Hour,
	})

	s.tick(context.Background())
	s.tick(context.Background())
	s.tick(context.Background())

	counts := enq.byType()
	assert.Equal(t, 3, counts[model.JobIngestDueSources])
	assert.Equal(t, 1, counts[model.JobCveSync], "second sync only after the interval elapses")
	assert.Equal(t, 1, counts[model.JobBuildDailyBrief], "daily jobs only on day rollover")

	s.lastCveSync = time.Now().UTC().Add(-2 * time.Hour)
	s.tick(context.Background())
	assert.Equal(t, 2, enq.byType()[model.JobCveSync])
}

func TestSchedulerDailyJobsCarryDayScopedKeys(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	s := NewScheduler(enq, zap.NewNop(), SchedulerConfig{Tick: time.Minute})
	s.tick(context.Background())

	day := time.Now().UTC().Format("2006-01-02")
	var briefKey string
	for _, r := range enq.reqs {
		if r.JobType == model.JobBuildDailyBrief {
			briefKey = r.IdempotencyKey
		}
	}
	require.NotEmpty(t, briefKey)
	assert.Equal(t, model.JobBuildDailyBrief+":"+day, briefKey)
}
