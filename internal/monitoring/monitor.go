// Package monitoring watches the cache tier and the realtime audio fleet and
// turns threshold breaches into alerts. The cache monitor evaluates region
// statistics on a fixed interval; the audio alert service evaluates metric
// snapshots against operator-defined rules and fans notifications out to the
// configured channels.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"omnigate/internal/cache"
	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/events"
	"omnigate/internal/telemetry"
)

const (
	cacheAlertHistoryCap = 100
	evaluateTimeout      = 10 * time.Second
)

// Cache alert types carried in CacheAlertTriggered.AlertType.
const (
	AlertLowHitRate       = "low_hit_rate"
	AlertHighMemoryUsage  = "high_memory_usage"
	AlertHighEvictionRate = "high_eviction_rate"
	AlertSlowResponse     = "slow_response_time"
	AlertBackendDown      = "backend_unreachable"
)

// =============================================================================
// Cache Monitor
// =============================================================================

// StatsSource is the slice of the cache manager the monitor reads.
type StatsSource interface {
	AllStats() map[domain.CacheRegion]cache.RegionStats
	Ping(ctx context.Context) error
}

// CacheMonitor evaluates cache health once per interval. Breaches are kept
// in a bounded in-process history, exported as gauges, and published as
// CacheAlertTriggered events.
type CacheMonitor struct {
	cfg     config.MonitoringConfig
	source  StatsSource
	bus     events.Bus
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	mu       sync.Mutex
	alerts   []events.CacheAlertTriggered
	previous map[domain.CacheRegion]cache.RegionStats
	lastEval time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCacheMonitor creates a monitor over the stats source. Call Start to
// begin periodic evaluation.
func NewCacheMonitor(
	cfg config.MonitoringConfig,
	source StatsSource,
	bus events.Bus,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
	clock clockwork.Clock,
) *CacheMonitor {
	if cfg.EvaluationInterval.Duration <= 0 {
		cfg.EvaluationInterval = config.Duration{Duration: time.Minute}
	}
	return &CacheMonitor{
		cfg:      cfg,
		source:   source,
		bus:      bus,
		logger:   logger.With("component", "cache_monitor"),
		metrics:  metrics,
		clock:    clock,
		previous: make(map[domain.CacheRegion]cache.RegionStats),
		stop:     make(chan struct{}),
	}
}

// Start launches the evaluation loop. Disabled monitors stay idle.
func (m *CacheMonitor) Start() {
	if !m.cfg.Enabled {
		return
	}
	m.wg.Add(1)
	go m.run()
}

// Close stops the evaluation loop and waits for it to exit.
func (m *CacheMonitor) Close() error {
	close(m.stop)
	m.wg.Wait()
	return nil
}

func (m *CacheMonitor) run() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.EvaluationInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
			m.evaluate(ctx)
			cancel()
		}
	}
}

// evaluate runs one monitoring pass: backend reachability, then per-region
// thresholds against the current statistics snapshot.
func (m *CacheMonitor) evaluate(ctx context.Context) {
	now := m.clock.Now()

	if err := m.source.Ping(ctx); err != nil {
		m.raise(ctx, events.CacheAlertTriggered{
			Region:      domain.RegionDefault,
			AlertType:   AlertBackendDown,
			Severity:    string(domain.SeverityCritical),
			Message:     fmt.Sprintf("distributed cache unreachable: %v", err),
			TriggeredAt: now,
		})
	}

	stats := m.source.AllStats()

	m.mu.Lock()
	prev := m.previous
	last := m.lastEval
	m.previous = stats
	m.lastEval = now
	m.mu.Unlock()

	for region, st := range stats {
		if m.metrics != nil {
			m.metrics.SetCacheUsage(region, st.EntryCount, st.MemoryUsageBytes)
		}

		prevSt, hasPrev := prev[region]
		breaches := m.checkRegion(region, st, prevSt, hasPrev, now.Sub(last))
		if m.metrics != nil {
			m.metrics.SetCacheHealthy(region, len(breaches) == 0)
		}
		for _, alert := range breaches {
			m.raise(ctx, alert)
		}
	}
}

// checkRegion applies every configured threshold to one region's snapshot.
// The eviction rate is the counter delta since the previous pass scaled to
// per-minute, so a region needs two observations before it can trip.
func (m *CacheMonitor) checkRegion(region domain.CacheRegion, st, prev cache.RegionStats, hasPrev bool, elapsed time.Duration) []events.CacheAlertTriggered {
	now := m.clock.Now()
	var out []events.CacheAlertTriggered

	if m.cfg.MinHitRate > 0 {
		floor := m.cfg.MinRequestsForHitRateAlert
		if floor < 1 {
			floor = 1
		}
		if total := st.Hits + st.Misses; total >= floor && st.HitRate < m.cfg.MinHitRate {
			out = append(out, events.CacheAlertTriggered{
				Region:      region,
				AlertType:   AlertLowHitRate,
				Severity:    string(domain.SeverityWarning),
				Message:     fmt.Sprintf("hit rate %.2f below %.2f over %d requests", st.HitRate, m.cfg.MinHitRate, total),
				MetricValue: st.HitRate,
				Threshold:   m.cfg.MinHitRate,
				TriggeredAt: now,
			})
		}
	}

	if limit := m.memoryLimit(region); limit > 0 && st.MemoryUsageBytes > limit {
		out = append(out, events.CacheAlertTriggered{
			Region:      region,
			AlertType:   AlertHighMemoryUsage,
			Severity:    string(domain.SeverityCritical),
			Message:     fmt.Sprintf("memory usage %d bytes exceeds %d", st.MemoryUsageBytes, limit),
			MetricValue: float64(st.MemoryUsageBytes),
			Threshold:   float64(limit),
			TriggeredAt: now,
		})
	}

	if m.cfg.MaxEvictionRate > 0 && hasPrev && elapsed > 0 {
		rate := float64(st.Evictions-prev.Evictions) / elapsed.Minutes()
		if rate > m.cfg.MaxEvictionRate {
			out = append(out, events.CacheAlertTriggered{
				Region:      region,
				AlertType:   AlertHighEvictionRate,
				Severity:    string(domain.SeverityWarning),
				Message:     fmt.Sprintf("eviction rate %.1f/min exceeds %.1f/min", rate, m.cfg.MaxEvictionRate),
				MetricValue: rate,
				Threshold:   m.cfg.MaxEvictionRate,
				TriggeredAt: now,
			})
		}
	}

	if m.cfg.MaxResponseTimeMs > 0 && st.AverageGetTimeMs > m.cfg.MaxResponseTimeMs {
		out = append(out, events.CacheAlertTriggered{
			Region:      region,
			AlertType:   AlertSlowResponse,
			Severity:    string(domain.SeverityWarning),
			Message:     fmt.Sprintf("average get time %.2fms exceeds %.2fms", st.AverageGetTimeMs, m.cfg.MaxResponseTimeMs),
			MetricValue: st.AverageGetTimeMs,
			Threshold:   m.cfg.MaxResponseTimeMs,
			TriggeredAt: now,
		})
	}

	return out
}

// memoryLimit resolves the per-region override, falling back to the global
// cap. Zero disables the memory check.
func (m *CacheMonitor) memoryLimit(region domain.CacheRegion) int64 {
	if limit, ok := m.cfg.RegionMemoryOverrides[string(region)]; ok {
		return limit
	}
	return m.cfg.MaxMemoryUsage
}

// raise records one alert in the bounded history and publishes it. Event
// publication is best-effort.
func (m *CacheMonitor) raise(ctx context.Context, alert events.CacheAlertTriggered) {
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > cacheAlertHistoryCap {
		m.alerts = m.alerts[len(m.alerts)-cacheAlertHistoryCap:]
	}
	m.mu.Unlock()

	m.logger.Warn("cache alert",
		"region", alert.Region,
		"type", alert.AlertType,
		"severity", alert.Severity,
		"message", alert.Message)

	if m.metrics != nil {
		m.metrics.RecordAlert("cache", alert.Severity)
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, "cache:"+string(alert.Region), alert); err != nil {
			m.logger.Warn("publishing cache alert", "region", alert.Region, "error", err)
		}
	}
}

// Alerts returns the alert history, newest first.
func (m *CacheMonitor) Alerts() []events.CacheAlertTriggered {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]events.CacheAlertTriggered, len(m.alerts))
	for i, a := range m.alerts {
		out[len(m.alerts)-1-i] = a
	}
	return out
}
