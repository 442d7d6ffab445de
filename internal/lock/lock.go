// Package lock provides distributed mutual exclusion over pluggable
// backends. A single-process deployment can run on the in-memory backend;
// multi-instance deployments use the redis or postgres backend so that
// credential disabling and task state transitions stay serialized across
// the fleet.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrNotAcquired is returned when the lock is held by another owner.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when releasing or extending a lock that the
	// caller does not own.
	ErrNotHeld = errors.New("lock not held")
)

// Lock is a handle to an acquired lock. Release must be called with the
// same handle; the token proves ownership.
type Lock struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service acquires and releases named locks.
type Service interface {
	// Acquire takes the lock or returns ErrNotAcquired if it is held.
	Acquire(ctx context.Context, key string, expiry time.Duration) (*Lock, error)
	// Release frees the lock. Returns ErrNotHeld if the handle's token
	// no longer owns the key.
	Release(ctx context.Context, l *Lock) error
	// Extend pushes the expiry forward for a held lock.
	Extend(ctx context.Context, l *Lock, expiry time.Duration) error
	// IsLocked reports whether any owner currently holds the key.
	IsLocked(ctx context.Context, key string) (bool, error)
	Close() error
}

// AcquireWithRetry polls Acquire until it succeeds, the context is done,
// or a non-contention error occurs. Callers bound the wait with a context
// deadline.
func AcquireWithRetry(ctx context.Context, svc Service, clock clockwork.Clock, key string, expiry, retryDelay time.Duration) (*Lock, error) {
	for {
		l, err := svc.Acquire(ctx, key, expiry)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(retryDelay):
		}
	}
}
