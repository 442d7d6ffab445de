// Package realtime tracks live audio sessions. Sessions live in a
// process-local map for fast access; when persistence is enabled every write
// is mirrored to redis as a JSON record plus two index sets, so operators and
// sibling processes can inspect the fleet and a restarted gateway can answer
// queries about sessions it did not create.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSessionNotFound is returned when the session id is unknown.
	ErrSessionNotFound = errors.New("realtime: session not found")

	// ErrSessionLimit is returned when a virtual key is at its concurrent
	// session cap.
	ErrSessionLimit = errors.New("realtime: session limit reached for virtual key")
)

// =============================================================================
// Redis keys
// =============================================================================

const (
	sessionKeyPrefix = "realtime:session:"
	activeIndexKey   = "realtime:index:active"
	vkeyIndexPrefix  = "realtime:index:vkey:"
)

func sessionKey(id string) string { return sessionKeyPrefix + id }

func vkeyIndexKey(virtualKey string) string { return vkeyIndexPrefix + virtualKey }

// =============================================================================
// Store
// =============================================================================

// Store holds the sessions. All returned sessions are clones; mutating them
// has no effect until they are written back through Update.
type Store struct {
	cfg     config.RealtimeConfig
	client  *redis.Client
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]*domain.RealtimeSession
}

// NewStore creates a session store. client may be nil, which disables
// persistence regardless of configuration.
func NewStore(cfg config.RealtimeConfig, client *redis.Client, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Store {
	if cfg.SessionTTL.Duration <= 0 {
		cfg.SessionTTL = config.Duration{Duration: 2 * time.Hour}
	}
	return &Store{
		cfg:      cfg,
		client:   client,
		logger:   logger.With("component", "realtime"),
		metrics:  metrics,
		clock:    clock,
		sessions: make(map[string]*domain.RealtimeSession),
	}
}

func (s *Store) persistent() bool {
	return s.cfg.EnablePersistence && s.client != nil
}

// Save registers a session, or replaces it if the id is already known. New
// sessions count against the owning virtual key's concurrency limit.
func (s *Store) Save(ctx context.Context, sess *domain.RealtimeSession) error {
	if sess == nil || sess.ID == "" {
		return errors.New("realtime: session id is required")
	}

	now := s.clock.Now()
	cp := sess.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.LastActivityAt.IsZero() {
		cp.LastActivityAt = now
	}
	if cp.State == "" {
		cp.State = domain.SessionStateConnecting
	}

	s.mu.Lock()
	_, existed := s.sessions[cp.ID]
	if !existed && s.cfg.MaxSessionsPerVirtualKey > 0 {
		if vk := cp.VirtualKey(); vk != "" && s.countByVirtualKeyLocked(vk) >= s.cfg.MaxSessionsPerVirtualKey {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrSessionLimit, vk)
		}
	}
	s.sessions[cp.ID] = cp
	s.mu.Unlock()

	if !existed && s.metrics != nil {
		s.metrics.RecordSessionOpened()
	}
	return s.persist(ctx, cp)
}

// Get returns the session, falling back to the distributed record when the
// local map does not know the id.
func (s *Store) Get(ctx context.Context, id string) (*domain.RealtimeSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess.Clone(), true
	}

	if !s.persistent() {
		return nil, false
	}
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("reading session record", "session_id", id, "error", err)
		return nil, false
	}
	var rec domain.RealtimeSession
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("decoding session record", "session_id", id, "error", err)
		return nil, false
	}

	s.mu.Lock()
	s.sessions[rec.ID] = rec.Clone()
	s.mu.Unlock()
	return &rec, true
}

// Update replaces a known session's state.
func (s *Store) Update(ctx context.Context, sess *domain.RealtimeSession) error {
	if sess == nil || sess.ID == "" {
		return errors.New("realtime: session id is required")
	}

	cp := sess.Clone()
	s.mu.Lock()
	if _, ok := s.sessions[cp.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, cp.ID)
	}
	s.sessions[cp.ID] = cp
	s.mu.Unlock()

	return s.persist(ctx, cp)
}

// UpdateStatistics merges fresh usage counters into a session. This is also
// the session's activity heartbeat: last-activity is bumped to now, which is
// what keeps the zombie sweep away.
func (s *Store) UpdateStatistics(ctx context.Context, id string, stats domain.SessionStatistics) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Statistics = stats
	sess.LastActivityAt = s.clock.Now()
	cp := sess.Clone()
	s.mu.Unlock()

	return s.persist(ctx, cp)
}

// Remove drops a session from the map and the distributed indices, recording
// its final state and lifetime. Returns false when the id was unknown.
func (s *Store) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if s.metrics != nil {
		s.metrics.RecordSessionClosed(sess.ProviderID, string(sess.State), s.clock.Since(sess.CreatedAt))
	}

	if s.persistent() {
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, sessionKey(id))
			p.SRem(ctx, activeIndexKey, id)
			if vk := sess.VirtualKey(); vk != "" {
				p.SRem(ctx, vkeyIndexKey(vk), id)
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("removing session record", "session_id", id, "error", err)
		}
	}
	return true
}

// Active returns every tracked session, ordered by creation time.
func (s *Store) Active(ctx context.Context) []*domain.RealtimeSession {
	s.mu.RLock()
	out := make([]*domain.RealtimeSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByVirtualKey returns the sessions owned by one virtual key, ordered by
// creation time.
func (s *Store) ByVirtualKey(ctx context.Context, virtualKey string) []*domain.RealtimeSession {
	all := s.Active(ctx)
	out := all[:0]
	for _, sess := range all {
		if sess.VirtualKey() == virtualKey {
			out = append(out, sess)
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Snapshot aggregates the tracked sessions into the alerting view. Error
// rate is errors per turn across the fleet, availability is the share of
// each provider's sessions not in the Error state, request rate is turns
// per active session minute, and pool utilization is the busiest virtual
// key's share of its concurrency cap.
func (s *Store) Snapshot(ctx context.Context) domain.AudioMetricsSnapshot {
	sessions := s.Active(ctx)
	snap := domain.AudioMetricsSnapshot{
		ActiveSessions: len(sessions),
		CapturedAt:     s.clock.Now(),
	}
	if len(sessions) == 0 {
		return snap
	}

	type providerTally struct{ total, healthy int }
	byProvider := make(map[string]*providerTally)
	byVirtualKey := make(map[string]int)

	var turns, errs int
	var durationSecs float64
	for _, sess := range sessions {
		turns += sess.Statistics.TurnCount
		errs += sess.Statistics.ErrorCount
		durationSecs += sess.Statistics.DurationSeconds

		tally, ok := byProvider[sess.ProviderID]
		if !ok {
			tally = &providerTally{}
			byProvider[sess.ProviderID] = tally
		}
		tally.total++
		if sess.State != domain.SessionStateError {
			tally.healthy++
		}

		if vk := sess.VirtualKey(); vk != "" {
			byVirtualKey[vk]++
		}
	}

	if turns > 0 {
		snap.ErrorRate = float64(errs) / float64(turns)
	}
	snap.AvgSessionSeconds = durationSecs / float64(len(sessions))
	if durationSecs > 0 {
		snap.RequestsPerMinute = float64(turns) / (durationSecs / 60)
	}

	snap.ProviderAvailability = make(map[string]float64, len(byProvider))
	for provider, tally := range byProvider {
		snap.ProviderAvailability[provider] = float64(tally.healthy) / float64(tally.total)
	}

	if limit := s.cfg.MaxSessionsPerVirtualKey; limit > 0 {
		busiest := 0
		for _, n := range byVirtualKey {
			if n > busiest {
				busiest = n
			}
		}
		snap.PoolUtilization = float64(busiest) / float64(limit)
	}
	return snap
}

// CleanupExpired removes sessions older than maxAge and sessions already in
// the Closed state, and prunes index members whose records have expired.
// Returns the number of sessions removed.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) int {
	now := s.clock.Now()

	s.mu.RLock()
	var stale []string
	for id, sess := range s.sessions {
		if sess.State == domain.SessionStateClosed || (maxAge > 0 && now.Sub(sess.CreatedAt) > maxAge) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if s.Remove(ctx, id) {
			removed++
		}
	}

	if s.persistent() {
		s.reconcileActiveIndex(ctx)
	}
	if removed > 0 {
		s.logger.Info("cleaned up sessions", "removed", removed)
	}
	return removed
}

// persist mirrors the session record and refreshes both indices. Index sets
// carry a TTL refreshed on every write so a dead deployment's entries age
// out on their own.
func (s *Store) persist(ctx context.Context, sess *domain.RealtimeSession) error {
	if !s.persistent() {
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}

	ttl := s.cfg.SessionTTL.Duration
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sessionKey(sess.ID), data, ttl)
		p.SAdd(ctx, activeIndexKey, sess.ID)
		p.Expire(ctx, activeIndexKey, ttl)
		if vk := sess.VirtualKey(); vk != "" {
			p.SAdd(ctx, vkeyIndexKey(vk), sess.ID)
			p.Expire(ctx, vkeyIndexKey(vk), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting session %s: %w", sess.ID, err)
	}
	return nil
}

// reconcileActiveIndex drops index members whose session record has expired,
// which happens when a process dies without removing its sessions.
func (s *Store) reconcileActiveIndex(ctx context.Context) {
	ids, err := s.client.SMembers(ctx, activeIndexKey).Result()
	if err != nil {
		s.logger.Warn("reading active index", "error", err)
		return
	}
	for _, id := range ids {
		s.mu.RLock()
		_, local := s.sessions[id]
		s.mu.RUnlock()
		if local {
			continue
		}
		exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			s.logger.Warn("checking session record", "session_id", id, "error", err)
			continue
		}
		if exists == 0 {
			if err := s.client.SRem(ctx, activeIndexKey, id).Err(); err != nil {
				s.logger.Warn("pruning active index", "session_id", id, "error", err)
			}
		}
	}
}

func (s *Store) countByVirtualKeyLocked(virtualKey string) int {
	n := 0
	for _, sess := range s.sessions {
		if sess.VirtualKey() == virtualKey {
			n++
		}
	}
	return n
}
