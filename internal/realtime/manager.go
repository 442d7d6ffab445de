package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

const maintenanceTimeout = 10 * time.Second

// =============================================================================
// Manager
// =============================================================================

// Manager runs the session store's periodic maintenance: expired-session
// cleanup, the zombie sweep, and audio usage accrual.
type Manager struct {
	store   *Store
	cfg     config.RealtimeConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	// reported tracks the statistics already accrued to the audio counters
	// per session, so each metrics tick adds only the delta.
	reported map[string]domain.SessionStatistics

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a manager around the store. Call Start to begin the
// maintenance loops.
func NewManager(store *Store, cfg config.RealtimeConfig, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Manager {
	if cfg.CleanupInterval.Duration <= 0 {
		cfg.CleanupInterval = config.Duration{Duration: 5 * time.Minute}
	}
	if cfg.MetricsInterval.Duration <= 0 {
		cfg.MetricsInterval = config.Duration{Duration: time.Minute}
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "realtime_manager"),
		metrics:  metrics,
		clock:    clock,
		reported: make(map[string]domain.SessionStatistics),
		stop:     make(chan struct{}),
	}
}

// Start launches the maintenance loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.maintenanceLoop()
	go m.metricsLoop()
}

// Close stops the maintenance loops and waits for them to exit.
func (m *Manager) Close() error {
	close(m.stop)
	m.wg.Wait()
	return nil
}

// CloseSession gracefully ends a session: it is marked Closed and removed
// from the store and indices.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	sess, ok := m.store.Get(ctx, id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.State = domain.SessionStateClosed
	if err := m.store.Update(ctx, sess); err != nil {
		return err
	}
	m.store.Remove(ctx, id)
	return nil
}

func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.CleanupInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			m.store.CleanupExpired(ctx, m.cfg.MaxSessionAge.Duration)
			m.sweepZombies(ctx)
			cancel()
		}
	}
}

func (m *Manager) metricsLoop() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.MetricsInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			m.accrueAudioUsage(ctx)
			cancel()
		}
	}
}

// sweepZombies flags sessions whose last activity is older than the zombie
// threshold. Flagged sessions transition to Error; when auto-termination is
// on they are removed outright, which records their final session metric.
func (m *Manager) sweepZombies(ctx context.Context) {
	threshold := m.cfg.ZombieSessionThreshold.Duration
	if threshold <= 0 {
		return
	}
	now := m.clock.Now()

	for _, sess := range m.store.Active(ctx) {
		if sess.State == domain.SessionStateClosed || sess.State == domain.SessionStateError {
			continue
		}
		idle := now.Sub(sess.LastActivityAt)
		if idle < threshold {
			continue
		}

		m.logger.Warn("zombie session detected",
			"session_id", sess.ID,
			"provider", sess.ProviderID,
			"state", sess.State,
			"idle", idle)

		sess.State = domain.SessionStateError
		if err := m.store.Update(ctx, sess); err != nil {
			m.logger.Warn("marking zombie session", "session_id", sess.ID, "error", err)
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordZombieSwept(sess.ProviderID)
		}
		if m.cfg.AutoTerminateZombies {
			m.store.Remove(ctx, sess.ID)
		}
	}
}

// accrueAudioUsage adds each live session's audio-second growth since the
// previous tick to the usage counters.
func (m *Manager) accrueAudioUsage(ctx context.Context) {
	live := make(map[string]struct{})
	for _, sess := range m.store.Active(ctx) {
		live[sess.ID] = struct{}{}

		prev := m.reported[sess.ID]
		dIn := sess.Statistics.InputDurationSeconds - prev.InputDurationSeconds
		dOut := sess.Statistics.OutputDurationSeconds - prev.OutputDurationSeconds
		if m.metrics != nil && (dIn > 0 || dOut > 0) {
			m.metrics.RecordAudioSeconds(sess.ProviderID, dIn, dOut)
		}
		m.reported[sess.ID] = sess.Statistics
	}

	for id := range m.reported {
		if _, ok := live[id]; !ok {
			delete(m.reported, id)
		}
	}
}
