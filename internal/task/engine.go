package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"omnigate/internal/cache"
	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/events"
	"omnigate/internal/telemetry"
)

// ErrTaskFinal is returned when an update would move a task out of a
// terminal state.
var ErrTaskFinal = errors.New("task: already in a terminal state")

// StatusUpdate carries the fields an update may change. Zero values leave
// the current value in place, except Result and Error which overwrite when
// non-empty.
type StatusUpdate struct {
	State           domain.TaskState
	Progress        *int
	ProgressMessage string
	Result          json.RawMessage
	Error           string
}

// =============================================================================
// Engine
// =============================================================================

// Engine coordinates task lifecycle. The durable store is the source of
// truth; the cache and the event bus are best-effort and failures there are
// logged, never surfaced.
type Engine struct {
	store   *Store
	cache   *cache.Manager
	bus     events.Bus
	cfg     config.TasksConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock
}

// NewEngine creates a task engine. cacheMgr and bus may be nil.
func NewEngine(store *Store, cacheMgr *cache.Manager, bus events.Bus, cfg config.TasksConfig, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Engine {
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.RetryBase.Duration <= 0 {
		cfg.RetryBase = config.Duration{Duration: 30 * time.Second}
	}
	if cfg.RetryMaxDelay.Duration <= 0 {
		cfg.RetryMaxDelay = config.Duration{Duration: time.Hour}
	}
	return &Engine{
		store:   store,
		cache:   cacheMgr,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "task_engine"),
		metrics: metrics,
		clock:   clock,
	}
}

// Create persists a new pending task and returns it.
func (e *Engine) Create(ctx context.Context, taskType domain.TaskType, virtualKeyID string, metadata json.RawMessage) (*domain.AsyncTask, error) {
	now := e.clock.Now().UTC()
	t := &domain.AsyncTask{
		ID:           uuid.NewString(),
		Type:         taskType,
		State:        domain.TaskStatePending,
		VirtualKeyID: virtualKeyID,
		Metadata:     metadata,
		MaxRetries:   e.cfg.DefaultMaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	e.cacheTask(ctx, t)

	if e.metrics != nil {
		e.metrics.RecordTaskCreated(taskType)
	}
	e.publish(ctx, t.ID, events.AsyncTaskCreated{
		TaskID:       t.ID,
		TaskType:     taskType,
		VirtualKeyID: virtualKeyID,
	})

	e.logger.Info("task created", "task_id", t.ID, "type", taskType, "virtual_key_id", virtualKeyID)
	return t, nil
}

// Get returns the task, serving from cache when possible. A cache miss or a
// malformed cached value falls back to the durable row and repopulates.
func (e *Engine) Get(ctx context.Context, id string) (*domain.AsyncTask, error) {
	if e.cache != nil {
		if t, ok := cache.Get[domain.AsyncTask](ctx, e.cache, domain.RegionAsyncTasks, id); ok {
			return &t, nil
		}
	}

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheTask(ctx, t)
	return t, nil
}

// Update applies a status change. Terminal tasks accept only result/error
// amendments; a state change away from a terminal state returns ErrTaskFinal.
// A Pending update carrying an error is a retry request and consumes retry
// budget; when the budget is exhausted the task fails instead.
func (e *Engine) Update(ctx context.Context, id string, upd StatusUpdate) (*domain.AsyncTask, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	if t.State.Terminal() {
		if upd.State != "" && upd.State != t.State {
			return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinal, id, t.State)
		}
		// Terminal rows stay put apart from late result/error amendments.
		if upd.Result != nil {
			t.Result = upd.Result
		}
		if upd.Error != "" {
			t.Error = upd.Error
		}
		t.UpdatedAt = now
		if err := e.store.Update(ctx, t); err != nil {
			return nil, err
		}
		e.cacheTask(ctx, t)
		return t, nil
	}

	if upd.State != "" {
		t.State = upd.State
	}
	if upd.Progress != nil {
		t.ProgressPercent = clampProgress(*upd.Progress)
	}
	if upd.ProgressMessage != "" {
		t.ProgressMessage = upd.ProgressMessage
	}
	if upd.Result != nil {
		t.Result = upd.Result
	}
	if upd.Error != "" {
		t.Error = upd.Error
	}

	// A pending transition with an error attached means the caller wants the
	// work rescheduled.
	if t.State == domain.TaskStatePending && upd.Error != "" {
		if t.CanRetry() {
			t.RetryCount++
			at := now.Add(e.retryDelay(t.RetryCount))
			t.NextRetryAt = &at
			if e.metrics != nil {
				e.metrics.RecordTaskRetry(t.Type)
			}
			e.logger.Info("task scheduled for retry",
				"task_id", t.ID, "retry", t.RetryCount, "max_retries", t.MaxRetries, "next_retry_at", at)
		} else {
			t.State = domain.TaskStateFailed
			e.logger.Warn("task retry budget exhausted", "task_id", t.ID, "retries", t.RetryCount)
		}
	}

	if t.State.Terminal() {
		t.CompletedAt = &now
		t.NextRetryAt = nil
		if t.State == domain.TaskStateCompleted {
			t.ProgressPercent = 100
		}
	}
	t.UpdatedAt = now

	if err := e.store.Update(ctx, t); err != nil {
		return nil, err
	}
	e.cacheTask(ctx, t)

	if e.metrics != nil {
		e.metrics.RecordTaskTransition(t.Type, t.State, now.Sub(t.CreatedAt))
	}
	e.publish(ctx, t.ID, events.AsyncTaskUpdated{
		TaskID:      t.ID,
		State:       t.State,
		Progress:    t.ProgressPercent,
		IsCompleted: t.State.Terminal(),
	})
	return t, nil
}

// Cancel moves a task to the Cancelled state.
func (e *Engine) Cancel(ctx context.Context, id string) (*domain.AsyncTask, error) {
	return e.Update(ctx, id, StatusUpdate{State: domain.TaskStateCancelled})
}

// Delete removes the task row and its cached copy.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if e.cache != nil {
		e.cache.Remove(ctx, domain.RegionAsyncTasks, id)
	}
	return nil
}

// Pending lists non-terminal tasks, optionally narrowed by type.
func (e *Engine) Pending(ctx context.Context, taskType domain.TaskType, limit int) ([]*domain.AsyncTask, error) {
	return e.store.Pending(ctx, taskType, limit)
}

// CleanupOlderThan removes terminal tasks whose completion is older than age.
func (e *Engine) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		age = e.cfg.CleanupAfter.Duration
	}
	cutoff := e.clock.Now().UTC().Add(-age)
	n, err := e.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("cleaned up tasks", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// PollUntilCompleted blocks until the task reaches a terminal state or the
// timeout elapses. On timeout the task is transitioned to TimedOut and the
// final record returned.
func (e *Engine) PollUntilCompleted(ctx context.Context, id string, interval, timeout time.Duration) (*domain.AsyncTask, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := e.clock.Now().Add(timeout)

	for {
		t, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.State.Terminal() {
			return t, nil
		}

		if !e.clock.Now().Add(interval).Before(deadline) {
			return e.timeOut(ctx, id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clock.After(interval):
		}
	}
}

// timeOut transitions a task to TimedOut; when a concurrent writer beat us
// to a terminal state, that state wins.
func (e *Engine) timeOut(ctx context.Context, id string) (*domain.AsyncTask, error) {
	t, err := e.Update(ctx, id, StatusUpdate{
		State: domain.TaskStateTimedOut,
		Error: "polling timed out before the task completed",
	})
	if errors.Is(err, ErrTaskFinal) {
		return e.Get(ctx, id)
	}
	return t, err
}

// retryDelay computes the backoff before retry n (1-based): exponential with
// jitter, capped at the configured maximum.
func (e *Engine) retryDelay(retry int) time.Duration {
	base := e.cfg.RetryBase.Duration
	delay := time.Duration(float64(base) * math.Pow(2, float64(retry-1)))

	if j := e.cfg.RetryJitter; j > 0 {
		factor := 1 + (rand.Float64()*2-1)*j
		delay = time.Duration(float64(delay) * factor)
	}
	if max := e.cfg.RetryMaxDelay.Duration; delay > max {
		delay = max
	}
	if delay < 0 {
		delay = base
	}
	return delay
}

func (e *Engine) cacheTask(ctx context.Context, t *domain.AsyncTask) {
	if e.cache == nil {
		return
	}
	if err := cache.Set(ctx, e.cache, domain.RegionAsyncTasks, t.ID, *t, e.cfg.CacheTTL.Duration); err != nil {
		e.logger.Warn("caching task", "task_id", t.ID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, taskID string, ev events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, "task:"+taskID, ev); err != nil {
		e.logger.Warn("publishing task event", "task_id", taskID, "event", ev.EventType(), "error", err)
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
