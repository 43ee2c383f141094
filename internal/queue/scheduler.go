package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Enqueuer is the enqueue slice of the persistence layer.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)
}

// SchedulerConfig controls the periodic enqueue cadence.
type SchedulerConfig struct {
	Tick            time.Duration
	CveSyncInterval time.Duration
}

// Scheduler periodically enqueues the recurring jobs: ingest_due_sources
// every tick, cve_sync on its own interval, and the daily brief and
// event purge on day rollover. Idempotency keys keep a single active
// instance of each regardless of how many schedulers run.
type Scheduler struct {
	enq    Enqueuer
	logger *zap.Logger
	cfg    SchedulerConfig

	lastCveSync time.Time
	lastDay     string
}

// NewScheduler constructs a Scheduler.
func NewScheduler(enq Enqueuer, logger *zap.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.CveSyncInterval <= 0 {
		cfg.CveSyncInterval = 2 * time.Hour
	}
	return &Scheduler{enq: enq, logger: logger, cfg: cfg}
}

// Run blocks, ticking until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.enq.Enqueue(ctx, model.EnqueueRequest{
		JobType:        model.JobIngestDueSources,
		IdempotencyKey: model.JobIngestDueSources,
	}); err != nil {
		s.logger.Error("enqueue ingest_due_sources failed", zap.Error(err))
	}

	now := time.Now().UTC()
	if now.Sub(s.lastCveSync) >= s.cfg.CveSyncInterval {
		if _, err := s.enq.Enqueue(ctx, model.EnqueueRequest{
			JobType:        model.JobCveSync,
			IdempotencyKey: model.JobCveSync,
		}); err != nil {
			s.logger.Error("enqueue cve_sync failed", zap.Error(err))
			return
		}
		s.lastCveSync = now
	}

	// Once per UTC day: the daily brief plus a weak-event purge.
	if day := now.Format("2006-01-02"); day != s.lastDay {
		for _, jobType := range []string{model.JobBuildDailyBrief, model.JobEventsPurge} {
			if _, err := s.enq.Enqueue(ctx, model.EnqueueRequest{
				JobType:        jobType,
				IdempotencyKey: jobType + ":" + day,
			}); err != nil {
				s.logger.Error("enqueue daily job failed",
					zap.String("job_type", jobType), zap.Error(err))
				return
			}
		}
		s.lastDay = day
	}
}
