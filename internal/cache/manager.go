// Package cache implements the gateway's two-tier regioned cache: an
// in-process LRU tier for sub-millisecond reads and a redis tier shared
// across instances. Every entry lives in a region with its own TTL,
// tiering, and priority policy; statistics are aggregated per region and
// mirrored into redis as a queryable time series.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

const (
	tierMemory      = "memory"
	tierDistributed = "distributed"

	statsFlushInterval = time.Minute
	flushTimeout       = 5 * time.Second
)

// EvictionSubscriber receives every eviction event. Subscribers run on the
// evicting goroutine after cache locks are released, so they may call back
// into the manager.
type EvictionSubscriber func(domain.EvictionEvent)

// Manager is the regioned cache facade. All reads go memory-first when the
// region allows it, fall through to redis, and backfill memory on a
// distributed hit. Writes fan out to both enabled tiers with the region's
// effective TTL.
type Manager struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	regions *config.CacheConfig

	mu     sync.Mutex
	memory *memoryTier

	client      *redis.Client
	distributed *redisTier

	stats *statsCollector
	locks keyedMutex

	subMu       sync.RWMutex
	subscribers map[int]EvictionSubscriber
	nextSubID   int

	warnMu sync.Mutex
	warned map[domain.CacheRegion]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds the cache manager. client may be nil, in which case
// every region behaves as memory-only regardless of its distributed flag.
func NewManager(regions *config.CacheConfig, client *redis.Client, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Manager {
	m := &Manager{
		logger:      logger.With("component", "cache"),
		metrics:     metrics,
		clock:       clock,
		regions:     regions,
		memory:      newMemoryTier(clock),
		client:      client,
		stats:       newStatsCollector(clock),
		subscribers: make(map[int]EvictionSubscriber),
		warned:      make(map[domain.CacheRegion]bool),
		stop:        make(chan struct{}),
	}
	if client != nil {
		m.distributed = newRedisTier(client)
	}
	return m
}

// Start launches the periodic statistics flush. It is a no-op without a
// redis client; in-process aggregates still accumulate.
func (m *Manager) Start() {
	if m.client == nil {
		return
	}
	m.wg.Add(1)
	go m.flushLoop()
}

// Close stops the flush loop and writes a final statistics snapshot.
func (m *Manager) Close() error {
	close(m.stop)
	m.wg.Wait()
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	return m.stats.flush(ctx, m.client)
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(statsFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := m.stats.flush(ctx, m.client); err != nil {
				m.logger.Warn("stats flush failed", "error", err)
			}
			cancel()
		}
	}
}

// =============================================================================
// Entry Operations
// =============================================================================

// GetEntry returns the cached entry for (region, key), consulting tiers in
// the region's configured order. A distributed hit backfills the memory
// tier; the backfilled entry carries the value as raw JSON.
func (m *Manager) GetEntry(ctx context.Context, region domain.CacheRegion, key string) (*Entry, bool) {
	cfg := m.regionConfig(region)
	if !m.usable(region, cfg) {
		return nil, false
	}
	start := m.clock.Now()

	if cfg.UseMemory {
		m.mu.Lock()
		e, ok := m.memory.get(region, key, domain.PriorityClassFor(cfg.Priority))
		events := m.memory.drainEvents()
		if len(events) > 0 { // expired on read
			m.syncUsageLocked(region)
		}
		m.mu.Unlock()
		m.dispatchEvictions(events)

		if ok {
			elapsed := m.clock.Since(start)
			m.stats.recordHit(region, elapsed)
			if m.metrics != nil {
				m.metrics.RecordCacheHit(region, tierMemory, elapsed)
			}
			return e, true
		}
	}

	if cfg.UseDistributed && m.distributed != nil {
		data, ok, err := m.distributed.get(ctx, region, key)
		if err != nil {
			m.stats.recordError(region)
			m.logger.Warn("distributed get failed", "region", region, "key", key, "error", err)
		} else if ok {
			e := &Entry{
				Key:            key,
				Region:         region,
				Value:          json.RawMessage(data),
				SizeBytes:      int64(len(data)),
				CreatedAt:      m.clock.Now(),
				LastAccessedAt: m.clock.Now(),
				AccessCount:    1,
			}
			if ttl := cfg.EffectiveTTL(0); ttl > 0 {
				e.ExpiresAt = m.clock.Now().Add(ttl)
			}
			if cfg.UseMemory {
				m.storeMemory(region, cfg, key, e)
			}
			elapsed := m.clock.Since(start)
			m.stats.recordHit(region, elapsed)
			if m.metrics != nil {
				m.metrics.RecordCacheHit(region, tierDistributed, elapsed)
			}
			return e, true
		}
	}

	elapsed := m.clock.Since(start)
	m.stats.recordMiss(region, elapsed)
	if m.metrics != nil {
		m.metrics.RecordCacheMiss(region, elapsed)
	}
	return nil, false
}

// SetEntry writes an entry to every enabled tier. The entry's SizeBytes is
// recomputed from the serialized value; its TTL is clamped to the region's
// bounds.
func (m *Manager) SetEntry(ctx context.Context, e *Entry, ttl time.Duration) error {
	cfg := m.regionConfig(e.Region)
	if !m.usable(e.Region, cfg) {
		return nil
	}

	data, err := json.Marshal(e.Value)
	if err != nil {
		m.stats.recordError(e.Region)
		return fmt.Errorf("encoding %s:%s: %w", e.Region, e.Key, err)
	}
	e.SizeBytes = int64(len(data))

	effective := cfg.EffectiveTTL(ttl)
	now := m.clock.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = now
	}
	if effective > 0 {
		e.ExpiresAt = now.Add(effective)
	}

	if cfg.UseMemory {
		m.storeMemory(e.Region, cfg, e.Key, e)
	}
	if cfg.UseDistributed && m.distributed != nil {
		if err := m.distributed.set(ctx, e.Region, e.Key, data, effective); err != nil {
			m.stats.recordError(e.Region)
			return err
		}
	}

	m.stats.recordSet(e.Region)
	if m.metrics != nil {
		m.metrics.RecordCacheSet(e.Region)
	}
	return nil
}

// Remove deletes (region, key) from every tier and reports whether any tier
// held it.
func (m *Manager) Remove(ctx context.Context, region domain.CacheRegion, key string) bool {
	cfg := m.regionConfig(region)
	if !m.usable(region, cfg) {
		return false
	}

	removed := false
	if cfg.UseMemory {
		m.mu.Lock()
		removed = m.memory.remove(region, key, domain.PriorityClassFor(cfg.Priority))
		m.syncUsageLocked(region)
		events := m.memory.drainEvents()
		m.mu.Unlock()
		m.dispatchEvictions(events)
	}
	if cfg.UseDistributed && m.distributed != nil {
		ok, err := m.distributed.remove(ctx, region, key)
		if err != nil {
			m.stats.recordError(region)
			m.logger.Warn("distributed remove failed", "region", region, "key", key, "error", err)
		}
		removed = removed || ok
	}

	if removed {
		m.stats.recordRemove(region)
	}
	return removed
}

// FlushRegion drops every entry of a region from both tiers.
func (m *Manager) FlushRegion(ctx context.Context, region domain.CacheRegion) error {
	cfg := m.regionConfig(region)

	if cfg.UseMemory {
		m.mu.Lock()
		m.memory.flushRegion(region, domain.PriorityClassFor(cfg.Priority))
		m.syncUsageLocked(region)
		events := m.memory.drainEvents()
		m.mu.Unlock()
		m.dispatchEvictions(events)
	}
	if cfg.UseDistributed && m.distributed != nil {
		if err := m.distributed.flushRegion(ctx, region); err != nil {
			m.stats.recordError(region)
			return err
		}
	}

	m.logger.Info("region flushed", "region", region)
	return nil
}

// storeMemory writes an entry into the memory tier and dispatches any
// evictions it displaced.
func (m *Manager) storeMemory(region domain.CacheRegion, cfg domain.CacheRegionConfig, key string, e *Entry) {
	m.mu.Lock()
	m.memory.set(region, key, domain.PriorityClassFor(cfg.Priority), e, cfg.MaxSizeBytes)
	m.syncUsageLocked(region)
	events := m.memory.drainEvents()
	m.mu.Unlock()
	m.dispatchEvictions(events)
}

func (m *Manager) syncUsageLocked(region domain.CacheRegion) {
	entries, bytes := m.memory.regionUsage(region)
	m.stats.setUsage(region, entries, bytes)
}

// =============================================================================
// Eviction Fan-Out
// =============================================================================

// SubscribeEvictions registers a subscriber for every eviction event. The
// returned function unsubscribes; it is idempotent.
func (m *Manager) SubscribeEvictions(fn EvictionSubscriber) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) dispatchEvictions(events []domain.EvictionEvent) {
	if len(events) == 0 {
		return
	}
	m.subMu.RLock()
	subs := make([]EvictionSubscriber, 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, ev := range events {
		m.stats.recordEviction(ev.Region)
		if m.metrics != nil {
			m.metrics.RecordCacheEviction(ev.Region, ev.Reason)
		}
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// =============================================================================
// Statistics
// =============================================================================

// Stats returns the current in-process aggregate for one region.
func (m *Manager) Stats(region domain.CacheRegion) RegionStats {
	return m.stats.snapshot(region)
}

// AllStats returns the current aggregates for every region that has seen
// traffic.
func (m *Manager) AllStats() map[domain.CacheRegion]RegionStats {
	return m.stats.snapshotAll()
}

// Window aggregates the redis per-minute series for the trailing window.
// Minutes with no persisted bucket count as zero.
func (m *Manager) Window(ctx context.Context, region domain.CacheRegion, window time.Duration) (WindowStats, error) {
	if m.client == nil {
		return WindowStats{}, errors.New("windowed stats require a distributed tier")
	}
	return m.stats.window(ctx, m.client, region, window)
}

// Ping verifies the distributed tier is reachable. Memory-only deployments
// always report healthy.
func (m *Manager) Ping(ctx context.Context) error {
	if m.distributed == nil {
		return nil
	}
	return m.distributed.ping(ctx)
}

// =============================================================================
// Region Policy
// =============================================================================

func (m *Manager) regionConfig(region domain.CacheRegion) domain.CacheRegionConfig {
	cfg := m.regions.RegionConfig(region)
	if m.client == nil {
		cfg.UseDistributed = false
	}
	return cfg
}

// usable reports whether the region can serve traffic. A disabled region,
// or one with both tiers off, degrades to a null cache: every Get misses
// and every Set is dropped. The degradation is logged once per region.
func (m *Manager) usable(region domain.CacheRegion, cfg domain.CacheRegionConfig) bool {
	if cfg.Enabled && (cfg.UseMemory || cfg.UseDistributed) {
		return true
	}

	m.warnMu.Lock()
	first := !m.warned[region]
	m.warned[region] = true
	m.warnMu.Unlock()
	if first {
		m.logger.Warn("region has no enabled tier, caching disabled",
			"region", region,
			"enabled", cfg.Enabled,
			"use_memory", cfg.UseMemory,
			"use_distributed", cfg.UseDistributed)
	}
	return false
}

// =============================================================================
// Typed Helpers
// =============================================================================

// Get returns the decoded value for (region, key). The boolean reports a
// usable hit; entries that cannot decode into T are evicted and miss.
func Get[T any](ctx context.Context, m *Manager, region domain.CacheRegion, key string) (T, bool) {
	var zero T

	e, ok := m.GetEntry(ctx, region, key)
	if !ok {
		return zero, false
	}

	if v, ok := e.Value.(T); ok {
		return v, true
	}

	// Values backfilled from redis (or set by another caller with a
	// different static type) round-trip through JSON.
	data, err := json.Marshal(e.Value)
	if err == nil {
		var v T
		if err = json.Unmarshal(data, &v); err == nil {
			return v, true
		}
	}

	m.logger.Warn("cached value does not decode, evicting", "region", region, "key", key, "error", err)
	m.Remove(ctx, region, key)
	return zero, false
}

// Set writes a value under (region, key) with the requested TTL. A zero ttl
// uses the region default.
func Set[T any](ctx context.Context, m *Manager, region domain.CacheRegion, key string, value T, ttl time.Duration) error {
	return m.SetEntry(ctx, &Entry{Key: key, Region: region, Value: value}, ttl)
}

// GetOrCreate returns the cached value or runs factory to produce and cache
// it. At most one factory per (region, key) runs at a time in this process;
// losers of the race re-check the cache before calling their factory.
func GetOrCreate[T any](ctx context.Context, m *Manager, region domain.CacheRegion, key string, ttl time.Duration, factory func(context.Context) (T, error)) (T, error) {
	if v, ok := Get[T](ctx, m, region, key); ok {
		return v, nil
	}

	unlock := m.locks.lock(string(region) + ":" + key)
	defer unlock()

	if v, ok := Get[T](ctx, m, region, key); ok {
		return v, nil
	}

	v, err := factory(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if err := Set(ctx, m, region, key, v, ttl); err != nil {
		// The value is good even when the write is not.
		m.logger.Warn("caching created value failed", "region", region, "key", key, "error", err)
	}
	return v, nil
}

// =============================================================================
// Keyed Mutex
// =============================================================================

// keyedMutex hands out one mutex per live key. Entries are reference
// counted and removed when the last holder unlocks, so the table stays
// proportional to in-flight factories, not to keys ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
