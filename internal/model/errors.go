package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies failures so the queue can decide whether a job
// attempt should retry, how soon, and what HTTP status an API error maps to.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindPermanent   ErrorKind = "permanent"
	KindCanceled    ErrorKind = "canceled"
	KindInternal    ErrorKind = "internal"
)

// Retryable reports whether a job failing with this kind should be
// requeued rather than terminally failed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindInternal:
		return true
	}
	return false
}

// KindError attaches an ErrorKind to an underlying error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Errf builds a classified error from a format string.
func Errf(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapErr classifies an existing error, preserving the chain. An
// optional format string prefixes the message.
func WrapErr(kind ErrorKind, err error, msgAndArgs ...any) error {
	if err == nil {
		return nil
	}
	if len(msgAndArgs) > 0 {
		format, _ := msgAndArgs[0].(string)
		args := append(msgAndArgs[1:], err)
		err = fmt.Errorf(format+": %w", args...)
	}
	return &KindError{Kind: kind, Err: err}
}

// RateLimitedError carries an upstream Retry-After hint so the retry
// policy can honor it instead of its own backoff curve.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfterHint extracts an upstream retry delay from the error chain,
// or zero when none was provided.
func RetryAfterHint(err error) time.Duration {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}

// ClassifyErr returns the kind carried by err, inferring one for common
// stdlib errors when none was attached. Unclassified errors are internal.
func ClassifyErr(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindTransient
	}
	return KindInternal
}

// KindForStatus maps an HTTP response status to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 404 || status == 410:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return ""
}
