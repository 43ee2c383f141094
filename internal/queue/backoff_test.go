package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sempervigil/sempervigil/internal/model"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(time.Second, time.Minute)

	assert.True(t, p.ShouldRetry(model.KindTransient, 1, 5))
	assert.True(t, p.ShouldRetry(model.KindRateLimited, 4, 5))
	assert.False(t, p.ShouldRetry(model.KindTransient, 5, 5))
	assert.False(t, p.ShouldRetry(model.KindPermanent, 1, 5))
	assert.False(t, p.ShouldRetry(model.KindValidation, 1, 5))
	assert.False(t, p.ShouldRetry(model.KindCanceled, 1, 5))
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(time.Second, time.Minute)

	for attempts := 1; attempts <= 10; attempts++ {
		base := time.Duration(float64(time.Second) * float64(int(1)<<uint(attempts-1)))
		if base > time.Minute {
			base = time.Minute
		}
		got := p.Backoff(model.KindTransient, attempts)
		assert.GreaterOrEqual(t, got, base, "attempt %d", attempts)
		assert.LessOrEqual(t, got, base+base/2, "attempt %d", attempts)
	}
}

func TestBackoffRateLimitedWaitsLonger(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(time.Second, time.Hour)

	transient := p.Backoff(model.KindTransient, 1)
	limited := p.Backoff(model.KindRateLimited, 1)
	// Rate-limited backoff starts one doubling later, so even with
	// maximal jitter on the transient side it cannot catch up.
	assert.Greater(t, limited, transient)
}
