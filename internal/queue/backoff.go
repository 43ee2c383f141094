package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/sempervigil/sempervigil/internal/model"
)

// RetryPolicy computes requeue delays from the attempt count and the
// failure's error kind.
type RetryPolicy struct {
	base time.Duration
	max  time.Duration
}

// NewRetryPolicy builds a policy; zero arguments fall back to defaults.
func NewRetryPolicy(base, max time.Duration) *RetryPolicy {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max <= 0 {
		max = time.Hour
	}
	return &RetryPolicy{base: base, max: max}
}

// ShouldRetry decides whether a failed attempt goes back on the queue.
func (p *RetryPolicy) ShouldRetry(kind model.ErrorKind, attempts, maxAttempts int) bool {
	if attempts >= maxAttempts {
		return false
	}
	return kind.Retryable()
}

// Backoff returns the jittered delay before the next attempt:
// base * 2^(attempts-1), capped, with up to half again as jitter.
// Rate-limited failures wait at least one full doubling longer.
func (p *RetryPolicy) Backoff(kind model.ErrorKind, attempts int) time.Duration {
	exp := attempts - 1
	if kind == model.KindRateLimited {
		exp++
	}
	if exp < 0 {
		exp = 0
	}
	delay := float64(p.base) * math.Pow(2, float64(exp))
	if delay > float64(p.max) {
		delay = float64(p.max)
	}
	return time.Duration(delay) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
