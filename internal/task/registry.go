package task

import (
	"context"
	"sync"
)

// Registry maps task ids to cancellation functions for in-flight work. It is
// process-local and best-effort: a stop request for a task whose worker has
// not registered yet is a no-op here, and the worker is expected to notice
// the cancelled store record on its own. Entries are released by the worker
// when the job ends to bound memory growth.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelCauseFunc)}
}

// Register derives a cancellable context for one task's external work and
// remembers its cancel function. A stale entry for the same id is replaced.
// The returned release must be called after the job ends.
func (r *Registry) Register(parent context.Context, taskID string) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancelCause(parent)

	r.mu.Lock()
	r.cancels[taskID] = cancel
	r.mu.Unlock()

	release = func() {
		r.mu.Lock()
		delete(r.cancels, taskID)
		r.mu.Unlock()
		cancel(context.Canceled)
	}
	return ctx, release
}

// Signal aborts in-flight work for taskID. No-op if nothing is registered:
// the job may not have started, may have finished, or may be running in a
// different process.
func (r *Registry) Signal(taskID string, cause error) {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
}

// Len is used by tests to verify entries are released.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
