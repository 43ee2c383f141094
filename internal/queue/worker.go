package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Store is the slice of the persistence layer the worker pool drives.
type Store interface {
	Claim(ctx context.Context, workerID string, jobTypes []string, leaseTTL time.Duration) (*model.Job, error)
	RenewLease(ctx context.Context, jobID, owner string, leaseTTL time.Duration) (bool, error)
	CompleteJob(ctx context.Context, jobID string, result any) error
	FailJob(ctx context.Context, jobID, errMsg string) error
	RequeueJob(ctx context.Context, jobID, errMsg string, runAfter time.Time) error
	MarkCanceled(ctx context.Context, jobID, reason string) error
}

// Observer receives lifecycle notifications for metrics.
type Observer interface {
	JobStarted(jobType string)
	JobFinished(jobType string, status model.JobStatus, duration time.Duration)
}

// Config sizes and tunes one worker pool process.
type Config struct {
	WorkerID     string
	Slots        int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	// TypeCaps limits in-flight jobs per type within this process.
	TypeCaps map[string]int
	// TypeTimeouts forces cancellation of handlers that outlive their
	// per-type hard budget. Zero or absent means no hard timeout.
	TypeTimeouts map[string]time.Duration
}

// Pool runs N worker slots claiming jobs for the types in its registry.
type Pool struct {
	store    Store
	registry *Registry
	policy   *RetryPolicy
	observer Observer
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	inFlight map[string]int
}

// NewPool constructs a worker pool.
func NewPool(store Store, registry *Registry, policy *RetryPolicy, observer Observer, logger *zap.Logger, cfg Config) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if policy == nil {
		policy = NewRetryPolicy(0, 0)
	}
	return &Pool{
		store:    store,
		registry: registry,
		policy:   policy,
		observer: observer,
		logger:   logger,
		cfg:      cfg,
		inFlight: make(map[string]int),
	}
}

// Run blocks, executing jobs until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runSlot(ctx)
		}()
	}
	wg.Wait()
}

// RunOnce drains claimable jobs and returns when the queue is empty,
// for one-shot CLI invocations.
func (p *Pool) RunOnce(ctx context.Context) error {
	for {
		job, err := p.store.Claim(ctx, p.cfg.WorkerID, p.claimableTypes(), p.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		p.execute(ctx, job)
	}
}

func (p *Pool) runSlot(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.Claim(ctx, p.cfg.WorkerID, p.claimableTypes(), p.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", zap.Error(err))
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval+randomJitter(p.cfg.PollInterval/2))
			continue
		}
		p.execute(ctx, job)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// claimableTypes returns the registered types whose per-process cap is
// not exhausted.
func (p *Pool) claimableTypes() []string {
	types := p.registry.Types()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := types[:0]
	for _, t := range types {
		limit, capped := p.cfg.TypeCaps[t]
		if capped && p.inFlight[t] >= limit {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *Pool) acquire(jobType string) {
	p.mu.Lock()
	p.inFlight[jobType]++
	p.mu.Unlock()
}

func (p *Pool) release(jobType string) {
	p.mu.Lock()
	p.inFlight[jobType]--
	p.mu.Unlock()
}

func (p *Pool) execute(ctx context.Context, job *model.Job) {
	p.acquire(job.JobType)
	defer p.release(job.JobType)

	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType),
		zap.Int("attempt", job.Attempts))
	started := time.Now()
	if p.observer != nil {
		p.observer.JobStarted(job.JobType)
	}

	handler, ok := p.registry.Lookup(job.JobType)
	if !ok {
		logger.Error("no handler registered")
		p.finish(ctx, job, logger, started, model.JobStatusFailed, "no handler registered", nil)
		return
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if budget, ok := p.cfg.TypeTimeouts[job.JobType]; ok && budget > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, budget)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	canceled := p.startLeaseKeeper(ctx, jobCtx, cancel, job, logger)

	result, err := handler.Run(jobCtx, job.Payload)

	cancel()
	if canceled.Load() {
		logger.Info("job canceled")
		p.finish(ctx, job, logger, started, model.JobStatusCanceled, "cancel requested", nil)
		return
	}
	if err == nil {
		p.finish(ctx, job, logger, started, model.JobStatusSucceeded, "", result)
		return
	}

	kind := model.ClassifyErr(err)
	if kind == model.KindCanceled {
		p.finish(ctx, job, logger, started, model.JobStatusCanceled, err.Error(), nil)
		return
	}
	if p.policy.ShouldRetry(kind, job.Attempts, job.MaxAttempts) {
		delay := p.policy.Backoff(kind, job.Attempts)
		if hint := model.RetryAfterHint(err); hint > delay {
			delay = hint
		}
		logger.Warn("job failed, will retry",
			zap.String("kind", string(kind)), zap.Duration("backoff", delay), zap.Error(err))
		if rqErr := p.store.RequeueJob(ctx, job.ID, err.Error(), time.Now().UTC().Add(delay)); rqErr != nil {
			logger.Error("requeue failed", zap.Error(rqErr))
		}
		if p.observer != nil {
			p.observer.JobFinished(job.JobType, model.JobStatusQueued, time.Since(started))
		}
		return
	}
	logger.Error("job failed permanently", zap.String("kind", string(kind)), zap.Error(err))
	p.finish(ctx, job, logger, started, model.JobStatusFailed, err.Error(), nil)
}

// startLeaseKeeper renews the job lease at a third of its TTL and
// cancels the handler context when a cancel is requested or the lease
// is lost. The returned flag reports whether a cancel was requested.
func (p *Pool) startLeaseKeeper(ctx, jobCtx context.Context, cancel context.CancelFunc,
	job *model.Job, logger *zap.Logger) *atomic.Bool {
	canceled := new(atomic.Bool)
	interval := p.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = 20 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				cancelRequested, err := p.store.RenewLease(ctx, job.ID, p.cfg.WorkerID, p.cfg.LeaseTTL)
				if err != nil {
					logger.Warn("lease renewal failed", zap.Error(err))
					cancel()
					return
				}
				if cancelRequested {
					canceled.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return canceled
}

func (p *Pool) finish(ctx context.Context, job *model.Job, logger *zap.Logger,
	started time.Time, status model.JobStatus, errMsg string, result any) {
	var err error
	switch status {
	case model.JobStatusSucceeded:
		err = p.store.CompleteJob(ctx, job.ID, result)
	case model.JobStatusCanceled:
		err = p.store.MarkCanceled(ctx, job.ID, errMsg)
	default:
		err = p.store.FailJob(ctx, job.ID, errMsg)
	}
	if err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
	if status == model.JobStatusSucceeded {
		logger.Info("job succeeded", zap.Duration("duration", time.Since(started)))
	}
	if p.observer != nil {
		p.observer.JobFinished(job.JobType, status, time.Since(started))
	}
}
