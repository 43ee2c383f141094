package ingest

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sempervigil/sempervigil/internal/model"
)

// RateLimiter hands out tokens per source so a burst of due sources on
// the same host cannot hammer it. Sources can raise or lower their own
// rate via overrides.
type RateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	defaultRate rate.Limit
}

// NewRateLimiter builds a limiter with a global default requests/sec.
// A non-positive default disables limiting for sources without an override.
func NewRateLimiter(defaultRPS float64) *RateLimiter {
	r := rate.Limit(defaultRPS)
	if defaultRPS <= 0 {
		r = rate.Inf
	}
	return &RateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		defaultRate: r,
	}
}

// Wait blocks until the source may issue its next request.
func (l *RateLimiter) Wait(ctx context.Context, src *model.Source) error {
	l.mu.Lock()
	limiter, ok := l.limiters[src.ID]
	if !ok {
		r := l.defaultRate
		if rps := src.Overrides.RequestsPerSecond; rps > 0 {
			r = rate.Limit(rps)
		}
		limiter = rate.NewLimiter(r, 1)
		l.limiters[src.ID] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return model.WrapErr(model.KindCanceled, err, "rate limit wait")
	}
	return nil
}

// Forget drops the cached limiter for a source so an updated override
// takes effect on the next fetch.
func (l *RateLimiter) Forget(sourceID string) {
	l.mu.Lock()
	delete(l.limiters, sourceID)
	l.mu.Unlock()
}
