package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnigate/internal/telemetry"
)

// PostgresService is an advisory-lock backend. Each held lock pins a
// dedicated connection because advisory locks are session scoped; the lock
// is freed on Release or when the session dies, so the expiry on the handle
// is informational only.
type PostgresService struct {
	db      *sql.DB
	metrics *telemetry.Metrics

	mu    sync.Mutex
	conns map[string]*sql.Conn // token -> session holding the lock
}

// NewPostgresService creates a postgres advisory lock service.
func NewPostgresService(db *sql.DB, metrics *telemetry.Metrics) *PostgresService {
	return &PostgresService{
		db:      db,
		metrics: metrics,
		conns:   make(map[string]*sql.Conn),
	}
}

// Acquire implements Service.
func (s *PostgresService) Acquire(ctx context.Context, key string, expiry time.Duration) (*Lock, error) {
	start := time.Now()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.record("error", time.Since(start))
		return nil, fmt.Errorf("opening lock session: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", advisoryKey(key)).Scan(&acquired); err != nil {
		conn.Close()
		s.record("error", time.Since(start))
		return nil, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !acquired {
		conn.Close()
		s.record("contended", time.Since(start))
		return nil, ErrNotAcquired
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.conns[token] = conn
	s.mu.Unlock()

	s.record("acquired", time.Since(start))
	return &Lock{Key: key, Token: token, ExpiresAt: time.Now().Add(expiry)}, nil
}

// Release implements Service.
func (s *PostgresService) Release(ctx context.Context, l *Lock) error {
	s.mu.Lock()
	conn, ok := s.conns[l.Token]
	delete(s.conns, l.Token)
	s.mu.Unlock()

	if !ok {
		return ErrNotHeld
	}

	var released bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryKey(l.Key)).Scan(&released)
	conn.Close()
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", l.Key, err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}

// Extend implements Service. Advisory locks have no TTL; holding the
// session is enough, so this only verifies ownership.
func (s *PostgresService) Extend(ctx context.Context, l *Lock, expiry time.Duration) error {
	s.mu.Lock()
	_, ok := s.conns[l.Token]
	s.mu.Unlock()

	if !ok {
		return ErrNotHeld
	}
	l.ExpiresAt = time.Now().Add(expiry)
	return nil
}

// IsLocked implements Service. Advisory holders show up in pg_locks with
// the bigint key split across classid and objid.
func (s *PostgresService) IsLocked(ctx context.Context, key string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM pg_locks
		WHERE locktype = 'advisory'
		  AND ((classid::bigint << 32) | objid::bigint) = $1
	)`

	var held bool
	if err := s.db.QueryRowContext(ctx, q, advisoryKey(key)).Scan(&held); err != nil {
		return false, fmt.Errorf("checking lock %q: %w", key, err)
	}
	return held, nil
}

// Close releases every held session.
func (s *PostgresService) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*sql.Conn)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

func (s *PostgresService) record(outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordLockAcquire("postgres", outcome, d)
	}
}

// advisoryKey maps a lock name onto the bigint space postgres advisory
// locks key on.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
