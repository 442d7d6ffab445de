// Package video orchestrates text-to-video generation across providers.
//
// Generation runs synchronously for blocking callers or through the async
// task engine for long-running jobs. The async path is event driven:
// GenerateWithTask persists a task and publishes VideoGenerationRequested;
// the orchestrator's consumer resolves a deployment, invokes the provider,
// streams progress, persists the result to the media store and accrues cost
// to the virtual key's spend ledger. Providers without native progress
// reporting get timer-driven pseudo-progress checkpoints instead.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/events"
	"omnigate/internal/lock"
	"omnigate/internal/media"
	"omnigate/internal/provider"
	"omnigate/internal/task"
	"omnigate/internal/telemetry"
)

var (
	// ErrInvalidRequest is returned when a generation request fails
	// validation.
	ErrInvalidRequest = errors.New("video: invalid request")

	// ErrNoVideoSupport is returned when the selected deployment's provider
	// has no video capability.
	ErrNoVideoSupport = errors.New("video: provider does not support video generation")
)

// pseudoProgressCheckpoints are the percentages emitted by the fallback
// scheduler when the provider reports no native progress.
var pseudoProgressCheckpoints = []int{10, 30, 50, 70, 90}

const retryBatchSize = 20

// =============================================================================
// Collaborator ports
// =============================================================================

// DeploymentSelector picks a deployment for a model. Satisfied by
// *router.Router.
type DeploymentSelector interface {
	SelectDeployment(model string, strat domain.RoutingStrategy) (*domain.ModelDeployment, error)
}

// TaskEngine is the slice of the async task engine the orchestrator drives.
// Satisfied by *task.Engine.
type TaskEngine interface {
	Create(ctx context.Context, taskType domain.TaskType, virtualKeyID string, metadata json.RawMessage) (*domain.AsyncTask, error)
	Get(ctx context.Context, id string) (*domain.AsyncTask, error)
	Update(ctx context.Context, id string, upd task.StatusUpdate) (*domain.AsyncTask, error)
	Pending(ctx context.Context, taskType domain.TaskType, limit int) ([]*domain.AsyncTask, error)
}

// MediaSink is the slice of the media store the orchestrator writes results
// through. Satisfied by media.Store implementations.
type MediaSink interface {
	StoreVideo(ctx context.Context, r io.Reader, meta domain.VideoMetadata, progress media.ProgressFunc) (*domain.MediaStorageResult, error)
	GenerateURL(ctx context.Context, key string, expiration time.Duration) (string, error)
}

// KeySource resolves the API key to present to a provider.
type KeySource interface {
	APIKey(ctx context.Context, providerID string) (string, error)
}

// Pricer prices a completed generation. Satisfied by *pricing.Service.
type Pricer interface {
	Cost(model string, usage domain.Usage) (float64, error)
}

// UsageSink accepts spend ledger rows. Satisfied by *pricing.Recorder.
type UsageSink interface {
	RecordAsync(rec *domain.UsageRecord)
}

// ErrorObserver ingests provider failures for credential health tracking.
// Satisfied by *providererr.Tracker.
type ErrorObserver interface {
	Observe(ctx context.Context, perr *domain.ProviderError) error
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator drives the video generation pipeline.
type Orchestrator struct {
	cfg       config.VideoConfig
	selector  DeploymentSelector
	providers *provider.Registry
	keys      KeySource
	tasks     TaskEngine
	cancels   *task.Registry
	store     MediaSink
	pricer    Pricer
	usage     UsageSink
	observer  ErrorObserver
	locks     lock.Service
	bus       events.Bus
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	clock     clockwork.Clock
	httpc     *http.Client

	unsub func()
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewOrchestrator creates a video orchestrator. keys, cancels, pricer, usage
// and locks may be nil; the corresponding steps are skipped. Call Start to
// begin consuming generation requests.
func NewOrchestrator(
	cfg config.VideoConfig,
	selector DeploymentSelector,
	providers *provider.Registry,
	keys KeySource,
	tasks TaskEngine,
	cancels *task.Registry,
	store MediaSink,
	pricer Pricer,
	usage UsageSink,
	observer ErrorObserver,
	locks lock.Service,
	bus events.Bus,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
	clock clockwork.Clock,
) *Orchestrator {
	if cfg.DefaultDurationSeconds <= 0 {
		cfg.DefaultDurationSeconds = 5
	}
	if cfg.MaxDurationSeconds <= 0 {
		cfg.MaxDurationSeconds = 60
	}
	if cfg.PseudoProgressInterval.Duration <= 0 {
		cfg.PseudoProgressInterval = config.Duration{Duration: 15 * time.Second}
	}
	if cfg.ResultURLTTL.Duration <= 0 {
		cfg.ResultURLTTL = config.Duration{Duration: 24 * time.Hour}
	}
	if cfg.RetryLockTTL.Duration <= 0 {
		cfg.RetryLockTTL = config.Duration{Duration: 30 * time.Second}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		cfg:       cfg,
		selector:  selector,
		providers: providers,
		keys:      keys,
		tasks:     tasks,
		cancels:   cancels,
		store:     store,
		pricer:    pricer,
		usage:     usage,
		observer:  observer,
		locks:     locks,
		bus:       bus,
		logger:    logger.With("component", "video_orchestrator"),
		metrics:   metrics,
		clock:     clock,
		httpc:     &http.Client{},
		stop:      make(chan struct{}),
	}
}

// Start subscribes the consumer to generation requests and launches the
// retry dispatch loop.
func (o *Orchestrator) Start() {
	o.unsub = o.bus.Subscribe(events.TypeVideoGenerationRequested, o.handleRequested)
	if o.cfg.RetryPollInterval.Duration > 0 && o.tasks != nil {
		o.wg.Add(1)
		go o.retryLoop()
	}
	o.logger.Info("video orchestrator started")
}

// Close unsubscribes the consumer and stops the retry loop.
func (o *Orchestrator) Close() error {
	if o.unsub != nil {
		o.unsub()
		o.unsub = nil
	}
	close(o.stop)
	o.wg.Wait()
	return nil
}

// =============================================================================
// Entry points
// =============================================================================

// Generate runs the full pipeline synchronously and returns the result with
// its final media URL. Progress events are published along the way but no
// task is involved.
func (o *Orchestrator) Generate(ctx context.Context, req *domain.VideoGenerationRequest) (*domain.VideoGenerationResult, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return o.process(ctx, req, "", req.RequestID)
}

// GenerateWithTask persists an async task for the request, publishes
// VideoGenerationRequested and returns the task as the caller's handle. The
// actual generation happens on the orchestrator's consumer.
func (o *Orchestrator) GenerateWithTask(ctx context.Context, req *domain.VideoGenerationRequest) (*domain.AsyncTask, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	meta, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request metadata: %w", err)
	}

	t, err := o.tasks.Create(ctx, domain.TaskTypeVideoGeneration, req.VirtualKeyID, meta)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	if err := o.bus.Publish(ctx, "video:"+req.RequestID, requestedEvent(req, t.ID)); err != nil {
		if _, uerr := o.tasks.Update(ctx, t.ID, task.StatusUpdate{
			State: domain.TaskStateFailed,
			Error: "dispatch failed: " + err.Error(),
		}); uerr != nil {
			o.logger.Error("marking undispatched task failed", "task_id", t.ID, "error", uerr)
		}
		return nil, fmt.Errorf("publishing generation request: %w", err)
	}

	o.logger.Info("video generation enqueued",
		"request_id", req.RequestID, "task_id", t.ID, "model", req.Model, "virtual_key_id", req.VirtualKeyID)
	return t, nil
}

// CancelGeneration cancels an async generation. The task row moves to
// Cancelled first so a not-yet-started consumer skips the work; the
// registry then interrupts the provider call if one is in flight.
func (o *Orchestrator) CancelGeneration(ctx context.Context, taskID string) (*domain.AsyncTask, error) {
	t, err := o.tasks.Update(ctx, taskID, task.StatusUpdate{State: domain.TaskStateCancelled})
	if err != nil {
		return nil, err
	}
	if o.cancels != nil {
		o.cancels.TryCancel(taskID)
	}
	return t, nil
}

// validate normalizes the request in place.
func (o *Orchestrator) validate(req *domain.VideoGenerationRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if req.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	}
	if req.DurationSeconds == 0 {
		req.DurationSeconds = o.cfg.DefaultDurationSeconds
	}
	if req.DurationSeconds > o.cfg.MaxDurationSeconds {
		return fmt.Errorf("%w: duration %.0fs exceeds the %.0fs limit",
			ErrInvalidRequest, req.DurationSeconds, o.cfg.MaxDurationSeconds)
	}
	return nil
}

// =============================================================================
// Consumer
// =============================================================================

func (o *Orchestrator) handleRequested(ctx context.Context, env events.Envelope) {
	ev, ok := env.Event.(events.VideoGenerationRequested)
	if !ok {
		o.logger.Warn("unexpected payload on video request subscription", "event_id", env.ID)
		return
	}

	req := &domain.VideoGenerationRequest{
		RequestID:       ev.RequestID,
		Model:           ev.Model,
		Prompt:          ev.Prompt,
		VirtualKeyID:    ev.VirtualKeyID,
		DurationSeconds: ev.Parameters.Duration,
		Size:            ev.Parameters.Size,
		FPS:             ev.Parameters.FPS,
		Style:           ev.Parameters.Style,
		ResponseFormat:  ev.Parameters.ResponseFormat,
		WebhookURL:      ev.WebhookURL,
		WebhookHeaders:  ev.WebhookHeaders,
	}
	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = ev.RequestID
	}

	o.process(ctx, req, ev.TaskID, correlationID)
}

// process runs one generation attempt end to end. With a task id it keeps
// the task's state, progress and result current; without one it only
// publishes events.
func (o *Orchestrator) process(ctx context.Context, req *domain.VideoGenerationRequest, taskID, correlationID string) (*domain.VideoGenerationResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if taskID != "" {
		if o.cancels != nil {
			o.cancels.Register(taskID, cancel)
			defer o.cancels.Unregister(taskID)
		}
		// The task may have been cancelled between enqueue and dispatch.
		if t, err := o.tasks.Get(ctx, taskID); err == nil && t.State.Terminal() {
			o.logger.Info("skipping terminal task", "task_id", taskID, "state", t.State)
			return nil, nil
		}
		o.updateTask(ctx, taskID, task.StatusUpdate{
			State:           domain.TaskStateProcessing,
			Progress:        intPtr(0),
			ProgressMessage: "generation started",
		})
	}

	started := o.clock.Now()
	progress := func(percent int, message string) {
		o.reportProgress(ctx, req.RequestID, taskID, correlationID, percent, message)
	}

	result, dep, err := o.invoke(runCtx, req, correlationID, progress)
	if err != nil {
		o.fail(ctx, req, taskID, correlationID, dep, started, err)
		return nil, err
	}

	stored, err := o.persist(runCtx, req, result)
	if err != nil {
		o.fail(ctx, req, taskID, correlationID, dep, started, err)
		return nil, err
	}
	result.VideoURL = stored.URL

	elapsed := o.clock.Since(started)
	o.accrue(ctx, req, dep, result, elapsed, "")
	o.complete(ctx, req, taskID, correlationID, result, stored, elapsed)
	return result, nil
}

// invoke selects a deployment, resolves its credential and calls the
// provider. Progress-reporting clients get the callback directly; everyone
// else gets the pseudo-progress scheduler.
func (o *Orchestrator) invoke(ctx context.Context, req *domain.VideoGenerationRequest, correlationID string, progress provider.VideoProgressFunc) (*domain.VideoGenerationResult, *domain.ModelDeployment, error) {
	dep, err := o.selector.SelectDeployment(req.Model, "")
	if err != nil {
		return nil, nil, fmt.Errorf("selecting deployment: %w", err)
	}

	client, ok := provider.As[provider.VideoClient](o.providers, dep.ProviderID)
	if !ok {
		return nil, dep, fmt.Errorf("%w: %s", ErrNoVideoSupport, dep.ProviderID)
	}

	apiKey := ""
	if o.keys != nil {
		if apiKey, err = o.keys.APIKey(ctx, dep.ProviderID); err != nil {
			return nil, dep, fmt.Errorf("resolving credential: %w", err)
		}
	}

	callCtx := ctx
	if o.cfg.GenerationTimeout.Duration > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.GenerationTimeout.Duration)
		defer cancel()
	}

	providerReq := *req
	providerReq.Model = dep.ProviderModelID

	o.logger.Info("invoking video provider",
		"request_id", req.RequestID, "deployment", dep.Name, "provider", dep.ProviderID, "provider_model", dep.ProviderModelID)

	if native, ok := provider.As[provider.ProgressReportingVideoClient](o.providers, dep.ProviderID); ok {
		result, err := native.CreateVideoWithProgress(callCtx, &providerReq, apiKey, func(percent int, message string) {
			if o.metrics != nil {
				o.metrics.RecordVideoProgress("native")
			}
			progress(percent, message)
		})
		if err != nil {
			o.observeProviderError(ctx, dep, err)
		}
		return result, dep, err
	}

	stopPseudo := o.startPseudoProgress(callCtx, req.RequestID, correlationID, progress)
	defer stopPseudo()

	result, err := client.CreateVideo(callCtx, &providerReq, apiKey)
	if err != nil {
		o.observeProviderError(ctx, dep, err)
	}
	return result, dep, err
}

// observeProviderError feeds a provider failure to the credential health
// tracker. Cancellation is the caller's doing, not the provider's.
func (o *Orchestrator) observeProviderError(ctx context.Context, dep *domain.ModelDeployment, err error) {
	if o.observer == nil || errors.Is(err, context.Canceled) {
		return
	}
	perr := domain.ClassifyProviderError(err)
	if perr.ProviderID == "" {
		perr.ProviderID = dep.ProviderID
	}
	if oerr := o.observer.Observe(ctx, perr); oerr != nil {
		o.logger.Warn("recording provider error", "provider", dep.ProviderID, "error", oerr)
	}
}

// persist writes the generated video to the media store and returns the
// stored location with a download URL. Providers that host the output
// themselves hand back a URL only; those results are fetched and re-homed
// so the gateway controls retention.
func (o *Orchestrator) persist(ctx context.Context, req *domain.VideoGenerationRequest, result *domain.VideoGenerationResult) (*domain.MediaStorageResult, error) {
	if result == nil {
		return nil, errors.New("video: provider returned no result")
	}

	var (
		r           io.Reader
		contentType = result.ContentType
		size        = int64(len(result.VideoBytes))
	)
	switch {
	case len(result.VideoBytes) > 0:
		r = bytes.NewReader(result.VideoBytes)
	case result.VideoURL != "":
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, result.VideoURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building fetch request: %w", err)
		}
		resp, err := o.httpc.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("fetching provider video: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching provider video: unexpected status %d", resp.StatusCode)
		}
		r = resp.Body
		if contentType == "" {
			contentType = resp.Header.Get("Content-Type")
		}
		if resp.ContentLength > 0 {
			size = resp.ContentLength
		}
	default:
		return nil, errors.New("video: provider returned neither bytes nor URL")
	}

	if contentType == "" {
		contentType = "video/mp4"
	}
	duration := result.DurationSecs
	if duration == 0 {
		duration = req.DurationSeconds
	}

	meta := domain.VideoMetadata{
		MediaMetadata: domain.MediaMetadata{
			ContentType:  contentType,
			MediaType:    domain.MediaTypeVideo,
			SizeBytes:    size,
			VirtualKeyID: req.VirtualKeyID,
		},
		GeneratedByModel: req.Model,
		GenerationPrompt: req.Prompt,
		DurationSeconds:  duration,
		Resolution:       req.Size,
		FrameRate:        req.FPS,
	}

	stored, err := o.store.StoreVideo(ctx, r, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("storing video: %w", err)
	}

	if stored.URL == "" {
		url, err := o.store.GenerateURL(ctx, stored.StorageKey, o.cfg.ResultURLTTL.Duration)
		if err != nil {
			return nil, fmt.Errorf("generating video URL: %w", err)
		}
		stored.URL = url
	}
	return stored, nil
}

// complete finishes the happy path: task result, lifecycle events, metrics.
func (o *Orchestrator) complete(ctx context.Context, req *domain.VideoGenerationRequest, taskID, correlationID string, result *domain.VideoGenerationResult, stored *domain.MediaStorageResult, elapsed time.Duration) {
	now := o.clock.Now().UTC()

	if taskID != "" {
		payload, err := json.Marshal(result)
		if err != nil {
			o.logger.Warn("encoding task result", "task_id", taskID, "error", err)
			payload = nil
		}
		o.updateTask(ctx, taskID, task.StatusUpdate{
			State:           domain.TaskStateCompleted,
			Result:          payload,
			ProgressMessage: "generation complete",
		})
	}

	o.publish(ctx, "media:"+stored.StorageKey, events.MediaGenerationCompleted{
		MediaType:        domain.MediaTypeVideo,
		VirtualKeyID:     req.VirtualKeyID,
		MediaURL:         stored.URL,
		StorageKey:       stored.StorageKey,
		FileSizeBytes:    stored.SizeBytes,
		ContentType:      stored.ContentType,
		GeneratedByModel: req.Model,
		GenerationPrompt: req.Prompt,
		GeneratedAt:      now,
	})
	o.publish(ctx, "video:"+req.RequestID, events.VideoGenerationCompleted{
		RequestID:     req.RequestID,
		VideoURL:      stored.URL,
		CompletedAt:   now,
		CorrelationID: correlationID,
	})

	if o.metrics != nil {
		o.metrics.RecordVideoGeneration(req.Model, "completed", elapsed)
	}
	o.logger.Info("video generation completed",
		"request_id", req.RequestID, "model", req.Model, "storage_key", stored.StorageKey,
		"size_bytes", stored.SizeBytes, "elapsed", elapsed)
}

// fail routes a pipeline error: cancellation is acknowledged, retryable
// failures go back to the task engine for backoff, terminal ones fail the
// task and publish VideoGenerationFailed.
func (o *Orchestrator) fail(ctx context.Context, req *domain.VideoGenerationRequest, taskID, correlationID string, dep *domain.ModelDeployment, started time.Time, err error) {
	now := o.clock.Now().UTC()
	elapsed := now.Sub(started)

	if errors.Is(err, context.Canceled) {
		// The canceller already moved the task to Cancelled.
		o.publish(ctx, "video:"+req.RequestID, events.VideoGenerationCancelled{
			RequestID:     req.RequestID,
			CancelledAt:   now,
			CorrelationID: correlationID,
		})
		if o.metrics != nil {
			o.metrics.RecordVideoGeneration(req.Model, "cancelled", elapsed)
		}
		o.logger.Info("video generation cancelled", "request_id", req.RequestID, "task_id", taskID)
		return
	}

	perr := domain.ClassifyProviderError(err)
	o.accrue(ctx, req, dep, nil, elapsed, string(perr.Type))

	if taskID != "" && perr.Retryable() {
		t, uerr := o.tasks.Update(ctx, taskID, task.StatusUpdate{
			State: domain.TaskStatePending,
			Error: err.Error(),
		})
		if uerr != nil {
			o.logger.Error("scheduling retry", "task_id", taskID, "error", uerr)
		} else if t.State == domain.TaskStatePending {
			if o.metrics != nil {
				o.metrics.RecordVideoGeneration(req.Model, "retry_scheduled", elapsed)
			}
			o.logger.Warn("video generation failed, retry scheduled",
				"request_id", req.RequestID, "task_id", taskID, "error_type", perr.Type,
				"retry", t.RetryCount, "next_retry_at", t.NextRetryAt, "error", err)
			return
		}
		// Retry budget exhausted; the engine moved the task to Failed.
	} else if taskID != "" {
		o.updateTask(ctx, taskID, task.StatusUpdate{
			State: domain.TaskStateFailed,
			Error: err.Error(),
		})
	}

	o.publish(ctx, "video:"+req.RequestID, events.VideoGenerationFailed{
		RequestID:     req.RequestID,
		Error:         err.Error(),
		FailedAt:      now,
		CorrelationID: correlationID,
	})
	if o.metrics != nil {
		o.metrics.RecordVideoGeneration(req.Model, "failed", elapsed)
	}
	o.logger.Error("video generation failed",
		"request_id", req.RequestID, "task_id", taskID, "error_type", perr.Type, "error", err)
}

// accrue writes a spend ledger row for the attempt. errorCode empty means
// success; failed attempts carry zero usage and cost.
func (o *Orchestrator) accrue(ctx context.Context, req *domain.VideoGenerationRequest, dep *domain.ModelDeployment, result *domain.VideoGenerationResult, elapsed time.Duration, errorCode string) {
	if o.usage == nil {
		return
	}

	var u domain.Usage
	cost := 0.0
	if errorCode == "" && result != nil {
		u = result.Usage
		if u.VideoCount == 0 {
			u.VideoCount = 1
		}
		if u.VideoSeconds == 0 {
			if result.DurationSecs > 0 {
				u.VideoSeconds = result.DurationSecs
			} else {
				u.VideoSeconds = req.DurationSeconds
			}
		}
		if u.Resolution == "" {
			u.Resolution = req.Size
		}
		if o.pricer != nil {
			c, err := o.pricer.Cost(req.Model, u)
			if err != nil {
				o.logger.Debug("cost unavailable", "model", req.Model, "error", err)
			} else {
				cost = c
			}
		}
	}

	providerID := ""
	if dep != nil {
		providerID = dep.ProviderID
	}

	o.usage.RecordAsync(&domain.UsageRecord{
		VirtualKeyID: req.VirtualKeyID,
		RequestID:    req.RequestID,
		Model:        req.Model,
		ProviderID:   providerID,
		Operation:    "video_generation",
		Usage:        u,
		CostUSD:      cost,
		LatencyMs:    elapsed.Milliseconds(),
		Success:      errorCode == "",
		ErrorCode:    errorCode,
		Timestamp:    o.clock.Now().UTC(),
	})
}

// =============================================================================
// Progress
// =============================================================================

// reportProgress publishes a progress event and mirrors it onto the task.
func (o *Orchestrator) reportProgress(ctx context.Context, requestID, taskID, correlationID string, percent int, message string) {
	o.publish(ctx, "video:"+requestID, events.VideoGenerationProgress{
		RequestID:          requestID,
		ProgressPercentage: percent,
		Status:             "processing",
		Message:            message,
		CorrelationID:      correlationID,
	})
	if taskID != "" {
		pct := percent
		o.updateTask(ctx, taskID, task.StatusUpdate{
			Progress:        &pct,
			ProgressMessage: message,
		})
	}
}

// startPseudoProgress emits fixed checkpoints on a timer until stopped. Each
// checkpoint also publishes VideoProgressCheckRequested so downstream
// consumers can poll the provider if they know how.
func (o *Orchestrator) startPseudoProgress(ctx context.Context, requestID, correlationID string, progress provider.VideoProgressFunc) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for _, pct := range pseudoProgressCheckpoints {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-o.clock.After(o.cfg.PseudoProgressInterval.Duration):
			}
			o.publish(ctx, "video:"+requestID, events.VideoProgressCheckRequested{
				RequestID:          requestID,
				ProgressPercentage: pct,
				CorrelationID:      correlationID,
			})
			if o.metrics != nil {
				o.metrics.RecordVideoProgress("scheduled")
			}
			progress(pct, "processing")
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// =============================================================================
// Retry dispatch
// =============================================================================

// retryLoop periodically re-publishes pending video tasks whose backoff
// delay has elapsed.
func (o *Orchestrator) retryLoop() {
	defer o.wg.Done()

	ticker := o.clock.NewTicker(o.cfg.RetryPollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RetryPollInterval.Duration)
			o.dispatchDueRetries(ctx)
			cancel()
		}
	}
}

func (o *Orchestrator) dispatchDueRetries(ctx context.Context) {
	pending, err := o.tasks.Pending(ctx, domain.TaskTypeVideoGeneration, retryBatchSize)
	if err != nil {
		o.logger.Warn("listing pending video tasks", "error", err)
		return
	}

	now := o.clock.Now()
	for _, t := range pending {
		if t.State != domain.TaskStatePending || t.NextRetryAt == nil || t.NextRetryAt.After(now) {
			continue
		}
		o.dispatchRetry(ctx, t)
	}
}

// dispatchRetry re-publishes one due task. The per-task lock keeps multiple
// gateway instances from double-dispatching; the Processing flip keeps this
// instance's next poll from re-picking it before the consumer runs.
func (o *Orchestrator) dispatchRetry(ctx context.Context, t *domain.AsyncTask) {
	if o.locks != nil {
		l, err := o.locks.Acquire(ctx, "video-retry:"+t.ID, o.cfg.RetryLockTTL.Duration)
		if errors.Is(err, lock.ErrNotAcquired) {
			return
		}
		if err != nil {
			o.logger.Warn("acquiring retry dispatch lock", "task_id", t.ID, "error", err)
			return
		}
		defer func() {
			if rerr := o.locks.Release(ctx, l); rerr != nil {
				o.logger.Warn("releasing retry dispatch lock", "task_id", t.ID, "error", rerr)
			}
		}()
	}

	var req domain.VideoGenerationRequest
	if err := json.Unmarshal(t.Metadata, &req); err != nil {
		o.logger.Error("undecodable video task metadata", "task_id", t.ID, "error", err)
		o.updateTask(ctx, t.ID, task.StatusUpdate{
			State: domain.TaskStateFailed,
			Error: "metadata decode failed: " + err.Error(),
		})
		return
	}

	if _, err := o.tasks.Update(ctx, t.ID, task.StatusUpdate{
		State:           domain.TaskStateProcessing,
		ProgressMessage: fmt.Sprintf("retry %d dispatched", t.RetryCount),
	}); err != nil {
		o.logger.Warn("marking retry dispatch", "task_id", t.ID, "error", err)
		return
	}

	if err := o.bus.Publish(ctx, "video:"+req.RequestID, requestedEvent(&req, t.ID)); err != nil {
		o.logger.Error("publishing retry", "task_id", t.ID, "error", err)
		o.updateTask(ctx, t.ID, task.StatusUpdate{State: domain.TaskStatePending})
		return
	}

	o.logger.Info("video generation retry dispatched",
		"request_id", req.RequestID, "task_id", t.ID, "attempt", t.RetryCount)
}

// =============================================================================
// Helpers
// =============================================================================

func requestedEvent(req *domain.VideoGenerationRequest, taskID string) events.VideoGenerationRequested {
	return events.VideoGenerationRequested{
		RequestID:      req.RequestID,
		Model:          req.Model,
		Prompt:         req.Prompt,
		VirtualKeyID:   req.VirtualKeyID,
		IsAsync:        true,
		TaskID:         taskID,
		WebhookURL:     req.WebhookURL,
		WebhookHeaders: req.WebhookHeaders,
		Parameters: events.VideoParameters{
			Size:           req.Size,
			Duration:       req.DurationSeconds,
			FPS:            req.FPS,
			Style:          req.Style,
			ResponseFormat: req.ResponseFormat,
		},
		CorrelationID: taskID,
	}
}

func (o *Orchestrator) publish(ctx context.Context, routingKey string, ev events.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, routingKey, ev); err != nil {
		o.logger.Warn("publishing event", "type", ev.EventType(), "error", err)
	}
}

func (o *Orchestrator) updateTask(ctx context.Context, taskID string, upd task.StatusUpdate) {
	if _, err := o.tasks.Update(ctx, taskID, upd); err != nil {
		o.logger.Warn("updating task", "task_id", taskID, "error", err)
	}
}

func intPtr(v int) *int { return &v }
