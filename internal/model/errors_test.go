package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", Errf(KindRateLimited, "nvd 429"), KindRateLimited},
		{"wrapped tag", fmt.Errorf("outer: %w", WrapErr(KindNotFound, errors.New("gone"))), KindNotFound},
		{"context canceled", context.Canceled, KindCanceled},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ClassifyErr(tt.err))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindInternal.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindPermanent.Retryable())
	assert.False(t, KindCanceled.Retryable())
	assert.False(t, KindNotFound.Retryable())
}

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindNotFound, KindForStatus(404))
	assert.Equal(t, KindNotFound, KindForStatus(410))
	assert.Equal(t, KindRateLimited, KindForStatus(429))
	assert.Equal(t, KindTransient, KindForStatus(503))
	assert.Equal(t, KindPermanent, KindForStatus(403))
	assert.Equal(t, ErrorKind(""), KindForStatus(200))
}

func TestWrapErrNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, WrapErr(KindTransient, nil))
}
