package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/domain"
)

const (
	minuteBucketFormat = "200601021504"
	hourBucketFormat   = "2006010215"

	minuteBucketTTL = 25 * time.Hour
	hourSnapshotTTL = 7 * 24 * time.Hour
)

// RegionStats is a point-in-time snapshot of one region's counters.
type RegionStats struct {
	Region           domain.CacheRegion `json:"region"`
	Hits             int64              `json:"hits"`
	Misses           int64              `json:"misses"`
	Sets             int64              `json:"sets"`
	Removes          int64              `json:"removes"`
	Evictions        int64              `json:"evictions"`
	Errors           int64              `json:"errors"`
	HitRate          float64            `json:"hit_rate"`
	AverageGetTimeMs float64            `json:"average_get_time_ms"`
	EntryCount       int64              `json:"entry_count"`
	MemoryUsageBytes int64              `json:"memory_usage_bytes"`
	StartTime        time.Time          `json:"start_time"`
	LastUpdateTime   time.Time          `json:"last_update_time"`
}

// WindowStats aggregates the per-minute time series over a window. Minutes
// with no persisted bucket count as zero.
type WindowStats struct {
	Region  domain.CacheRegion `json:"region"`
	From    time.Time          `json:"from"`
	To      time.Time          `json:"to"`
	Hits    int64              `json:"hits"`
	Misses  int64              `json:"misses"`
	Sets    int64              `json:"sets"`
	Evictions int64            `json:"evictions"`
	HitRate float64            `json:"hit_rate"`
}

type regionCounters struct {
	hits, misses, sets     int64
	removes, evictions     int64
	errors                 int64
	getTimeTotal           time.Duration
	getCount               int64
	entryCount, memoryBytes int64
	startTime, lastUpdate  time.Time

	// Deltas accumulated since the last time-series flush.
	dHits, dMisses, dSets, dEvictions int64
}

// statsCollector keeps in-process aggregates for every region and mirrors
// them into redis as a current hash, per-minute buckets, and hourly
// snapshots.
type statsCollector struct {
	clock clockwork.Clock

	mu      sync.Mutex
	regions map[domain.CacheRegion]*regionCounters
}

func newStatsCollector(clock clockwork.Clock) *statsCollector {
	return &statsCollector{
		clock:   clock,
		regions: make(map[domain.CacheRegion]*regionCounters),
	}
}

func (s *statsCollector) counters(region domain.CacheRegion) *regionCounters {
	c, ok := s.regions[region]
	if !ok {
		now := s.clock.Now()
		c = &regionCounters{startTime: now, lastUpdate: now}
		s.regions[region] = c
	}
	return c
}

func (s *statsCollector) recordHit(region domain.CacheRegion, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(region)
	c.hits++
	c.dHits++
	c.getTimeTotal += d
	c.getCount++
	c.lastUpdate = s.clock.Now()
}

func (s *statsCollector) recordMiss(region domain.CacheRegion, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(region)
	c.misses++
	c.dMisses++
	c.getTimeTotal += d
	c.getCount++
	c.lastUpdate = s.clock.Now()
}

func (s *statsCollector) recordSet(region domain.CacheRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(region)
	c.sets++
	c.dSets++
	c.lastUpdate = s.clock.Now()
}

func (s *statsCollector) recordRemove(region domain.CacheRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(region)
	c.removes++
	c.lastUpdate = s.clock.Now()
}

func (s *statsCollector) recordEviction(region domain.CacheRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(region)
	c.evictions++
	c.dEvictions++
	c.lastUpdate = s.clock.Now()
}

func (s *statsCollector) recordError(region domain.CacheRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(region)
	c.errors++
	c.lastUpdate = s.clock.Now()
}

func (s *statsCollector) setUsage(region domain.CacheRegion, entries, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(region)
	c.entryCount = entries
	c.memoryBytes = bytes
}

func (s *statsCollector) snapshot(region domain.CacheRegion) RegionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(region)
}

func (s *statsCollector) snapshotLocked(region domain.CacheRegion) RegionStats {
	c := s.counters(region)
	stats := RegionStats{
		Region:           region,
		Hits:             c.hits,
		Misses:           c.misses,
		Sets:             c.sets,
		Removes:          c.removes,
		Evictions:        c.evictions,
		Errors:           c.errors,
		EntryCount:       c.entryCount,
		MemoryUsageBytes: c.memoryBytes,
		StartTime:        c.startTime,
		LastUpdateTime:   c.lastUpdate,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.getCount > 0 {
		stats.AverageGetTimeMs = float64(c.getTimeTotal.Microseconds()) / float64(c.getCount) / 1000
	}
	return stats
}

func (s *statsCollector) snapshotAll() map[domain.CacheRegion]RegionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.CacheRegion]RegionStats, len(s.regions))
	for region := range s.regions {
		out[region] = s.snapshotLocked(region)
	}
	return out
}

// tsDelta is one region's accumulated counters for the minute that just
// passed.
type tsDelta struct {
	region                    domain.CacheRegion
	hits, misses, sets, evictions int64
	snapshot                  RegionStats
}

func (s *statsCollector) drainDeltas() []tsDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := make([]tsDelta, 0, len(s.regions))
	for region, c := range s.regions {
		d := tsDelta{
			region:    region,
			hits:      c.dHits,
			misses:    c.dMisses,
			sets:      c.dSets,
			evictions: c.dEvictions,
			snapshot:  s.snapshotLocked(region),
		}
		c.dHits, c.dMisses, c.dSets, c.dEvictions = 0, 0, 0, 0
		deltas = append(deltas, d)
	}
	return deltas
}

// flush mirrors the current snapshot and the per-minute deltas into redis.
func (s *statsCollector) flush(ctx context.Context, client *redis.Client) error {
	deltas := s.drainDeltas()
	if len(deltas) == 0 {
		return nil
	}

	now := s.clock.Now().UTC()
	minute := now.Format(minuteBucketFormat)
	hour := now.Format(hourBucketFormat)

	pipe := client.Pipeline()
	for _, d := range deltas {
		currentKey := fmt.Sprintf("cache:stats:%s:current", d.region)
		pipe.HSet(ctx, currentKey, statsHash(d.snapshot))

		if d.hits == 0 && d.misses == 0 && d.sets == 0 && d.evictions == 0 {
			continue
		}

		bucketKey := fmt.Sprintf("cache:stats:%s:ts:%s", d.region, minute)
		pipe.HIncrBy(ctx, bucketKey, "hits", d.hits)
		pipe.HIncrBy(ctx, bucketKey, "misses", d.misses)
		pipe.HIncrBy(ctx, bucketKey, "sets", d.sets)
		pipe.HIncrBy(ctx, bucketKey, "evictions", d.evictions)
		pipe.Expire(ctx, bucketKey, minuteBucketTTL)

		snapshotKey := fmt.Sprintf("cache:stats:%s:snapshot:%s", d.region, hour)
		pipe.HSet(ctx, snapshotKey, statsHash(d.snapshot))
		pipe.Expire(ctx, snapshotKey, hourSnapshotTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flushing cache stats: %w", err)
	}
	return nil
}

// window reads the per-minute buckets for [to-window, to); absent minutes
// contribute zero.
func (s *statsCollector) window(ctx context.Context, client *redis.Client, region domain.CacheRegion, window time.Duration) (WindowStats, error) {
	to := s.clock.Now().UTC().Truncate(time.Minute)
	from := to.Add(-window)

	out := WindowStats{Region: region, From: from, To: to}
	for t := from; t.Before(to); t = t.Add(time.Minute) {
		key := fmt.Sprintf("cache:stats:%s:ts:%s", region, t.Format(minuteBucketFormat))
		fields, err := client.HGetAll(ctx, key).Result()
		if err != nil {
			return WindowStats{}, fmt.Errorf("reading stats bucket %s: %w", key, err)
		}
		out.Hits += parseInt64(fields["hits"])
		out.Misses += parseInt64(fields["misses"])
		out.Sets += parseInt64(fields["sets"])
		out.Evictions += parseInt64(fields["evictions"])
	}
	if total := out.Hits + out.Misses; total > 0 {
		out.HitRate = float64(out.Hits) / float64(total)
	}
	return out, nil
}

func statsHash(s RegionStats) map[string]any {
	return map[string]any{
		"hits":                s.Hits,
		"misses":              s.Misses,
		"sets":                s.Sets,
		"removes":             s.Removes,
		"evictions":           s.Evictions,
		"errors":              s.Errors,
		"hit_rate":            strconv.FormatFloat(s.HitRate, 'f', 4, 64),
		"average_get_time_ms": strconv.FormatFloat(s.AverageGetTimeMs, 'f', 3, 64),
		"entry_count":         s.EntryCount,
		"memory_usage_bytes":  s.MemoryUsageBytes,
		"updated_at":          s.LastUpdateTime.UTC().Format(time.RFC3339),
	}
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
