package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// =============================================================================
// Cancellation registry
// =============================================================================

// Registry maps in-flight task ids to their cancellation handles. Cancelled
// entries linger for a grace period so late callers can tell "already
// cancelled" apart from "never registered".
type Registry struct {
	grace  time.Duration
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	entries map[string]*registration
}

type registration struct {
	cancel      context.CancelFunc
	cancelledAt time.Time
}

// NewRegistry creates a cancellation registry.
func NewRegistry(grace time.Duration, logger *slog.Logger, clock clockwork.Clock) *Registry {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Registry{
		grace:   grace,
		logger:  logger.With("component", "task_registry"),
		clock:   clock,
		entries: make(map[string]*registration),
	}
}

// Register associates a cancellation handle with a task. Registering an id
// again replaces the previous handle.
func (r *Registry) Register(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskID] = &registration{cancel: cancel}
}

// Unregister drops a task's handle, typically when its work finished
// naturally.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, taskID)
}

// TryCancel signals the task's handle. It returns true only when this call
// freshly cancelled the task; an unknown or already-cancelled id returns
// false.
func (r *Registry) TryCancel(taskID string) bool {
	r.mu.Lock()
	reg, ok := r.entries[taskID]
	if !ok || !reg.cancelledAt.IsZero() {
		r.mu.Unlock()
		return false
	}
	reg.cancelledAt = r.clock.Now()
	cancel := reg.cancel
	r.mu.Unlock()

	cancel()
	r.logger.Info("task cancelled", "task_id", taskID)

	r.clock.AfterFunc(r.grace, func() { r.purge(taskID) })
	return true
}

// IsCancelled reports whether the task was cancelled and is still within
// its grace window.
func (r *Registry) IsCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[taskID]
	return ok && !reg.cancelledAt.IsZero()
}

// CancelAll signals every registered handle and clears the registry. Used
// at shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registration)
	r.mu.Unlock()

	for _, reg := range entries {
		if reg.cancelledAt.IsZero() {
			reg.cancel()
		}
	}
	if len(entries) > 0 {
		r.logger.Info("cancelled all tasks", "count", len(entries))
	}
}

// Len returns the number of registered handles, cancelled ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// purge removes a cancelled entry once its grace window passed. A handle
// re-registered under the same id in the meantime is left alone.
func (r *Registry) purge(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.entries[taskID]; ok && !reg.cancelledAt.IsZero() {
		delete(r.entries, taskID)
	}
}
