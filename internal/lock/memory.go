package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"omnigate/internal/telemetry"
)

// MemoryService is a process-local lock backend. Expired entries are swept
// on a fixed interval so abandoned locks do not pin their keys forever.
type MemoryService struct {
	clock   clockwork.Clock
	metrics *telemetry.Metrics

	mu      sync.Mutex
	entries map[string]memoryEntry

	stop chan struct{}
	wg   sync.WaitGroup
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryService creates an in-memory lock service and starts its sweep
// loop.
func NewMemoryService(clock clockwork.Clock, sweepInterval time.Duration, metrics *telemetry.Metrics) *MemoryService {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryService{
		clock:   clock,
		metrics: metrics,
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop(sweepInterval)
	return s
}

// Acquire implements Service.
func (s *MemoryService) Acquire(ctx context.Context, key string, expiry time.Duration) (*Lock, error) {
	start := s.clock.Now()

	s.mu.Lock()
	now := s.clock.Now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		s.mu.Unlock()
		s.record("contended", s.clock.Since(start))
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	expiresAt := now.Add(expiry)
	s.entries[key] = memoryEntry{token: token, expiresAt: expiresAt}
	s.mu.Unlock()

	s.record("acquired", s.clock.Since(start))
	return &Lock{Key: key, Token: token, ExpiresAt: expiresAt}, nil
}

// Release implements Service.
func (s *MemoryService) Release(ctx context.Context, l *Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[l.Key]
	if !ok || e.token != l.Token {
		return ErrNotHeld
	}
	delete(s.entries, l.Key)
	return nil
}

// Extend implements Service.
func (s *MemoryService) Extend(ctx context.Context, l *Lock, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[l.Key]
	if !ok || e.token != l.Token {
		return ErrNotHeld
	}
	e.expiresAt = s.clock.Now().Add(expiry)
	s.entries[l.Key] = e
	l.ExpiresAt = e.expiresAt
	return nil
}

// IsLocked implements Service.
func (s *MemoryService) IsLocked(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && s.clock.Now().Before(e.expiresAt), nil
}

// Close stops the sweep loop.
func (s *MemoryService) Close() error {
	close(s.stop)
	s.wg.Wait()
	return nil
}

func (s *MemoryService) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryService) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryService) record(outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordLockAcquire("memory", outcome, d)
	}
}
