// Package queue implements the durable job queue's worker pool: typed
// handlers, lease-based claims, retries, and cooperative cancellation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one job type. The payload is the job's raw JSON;
// the returned value is persisted as the job result. Handlers must be
// idempotent: a crashed worker's job is reclaimed and re-run.
type Handler interface {
	Run(ctx context.Context, payload json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, payload json.RawMessage) (any, error) {
	return f(ctx, payload)
}

// Registry maps job types to handlers. Populated at startup, read-only
// afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type; duplicate registration is a
// programming error.
func (r *Registry) Register(jobType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("handler already registered for %q", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// MustRegister is Register that panics, for startup wiring.
func (r *Registry) MustRegister(jobType string, h Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a job type.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
