// Package telemetry provides observability with Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omnigate/internal/domain"
)

// Metrics holds all Prometheus metrics for Omnigate.
type Metrics struct {
	// Routing metrics
	RoutingDecisions  *prometheus.CounterVec
	RoutingFallbacks  *prometheus.CounterVec
	RoutingRetries    *prometheus.CounterVec
	RoutingFailures   *prometheus.CounterVec
	DeploymentHealthy *prometheus.GaugeVec

	// Async task metrics
	TasksCreated    *prometheus.CounterVec
	TaskTransitions *prometheus.CounterVec
	TaskRetries     *prometheus.CounterVec
	TasksInFlight   prometheus.Gauge
	TaskDuration    *prometheus.HistogramVec

	// Cache metrics
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheSets        *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec
	CacheGetDuration *prometheus.HistogramVec
	CacheEntries     *prometheus.GaugeVec
	CacheMemoryBytes *prometheus.GaugeVec
	CacheHealthy     *prometheus.GaugeVec

	// Lock metrics
	LockAcquisitions    *prometheus.CounterVec
	LockAcquireDuration *prometheus.HistogramVec

	// Media metrics
	MediaUploads     *prometheus.CounterVec
	MediaUploadBytes *prometheus.CounterVec
	MediaDownloads   *prometheus.CounterVec
	MediaErrors      *prometheus.CounterVec

	// Realtime session metrics
	RealtimeSessionsActive  prometheus.Gauge
	RealtimeSessionDuration *prometheus.HistogramVec
	RealtimeZombiesSwept    *prometheus.CounterVec
	RealtimeAudioSeconds    *prometheus.CounterVec

	// Provider error metrics
	ProviderErrors      *prometheus.CounterVec
	CredentialsDisabled *prometheus.CounterVec

	// Webhook metrics
	WebhookBatches     *prometheus.CounterVec
	WebhookBatchSize   prometheus.Histogram
	WebhookDeliveries  *prometheus.CounterVec
	WebhookQueueDepth  prometheus.Gauge
	WebhookCircuitOpen *prometheus.CounterVec

	// Video pipeline metrics
	VideoGenerations        *prometheus.CounterVec
	VideoGenerationDuration *prometheus.HistogramVec
	VideoProgressEvents     *prometheus.CounterVec

	// Tracing metrics
	TracesStarted   *prometheus.CounterVec
	TracesCompleted *prometheus.CounterVec

	// Alerting metrics
	AlertsTriggered *prometheus.CounterVec

	// Cost metrics
	CostUSD *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_routing_decisions_total",
				Help: "Deployment selections by strategy",
			},
			[]string{"strategy", "model"},
		),

		RoutingFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_routing_fallbacks_total",
				Help: "Fallback chain hops during request execution",
			},
			[]string{"from_model", "to_model"},
		),

		RoutingRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_routing_retries_total",
				Help: "Retry attempts by model and error type",
			},
			[]string{"model", "error_type"},
		),

		RoutingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_routing_failures_total",
				Help: "Requests that exhausted every deployment",
			},
			[]string{"model", "reason"},
		),

		DeploymentHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "omnigate_deployment_healthy",
				Help: "Deployment health (1=healthy, 0=unhealthy)",
			},
			[]string{"deployment", "provider"},
		),

		TasksCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_tasks_created_total",
				Help: "Async tasks created by type",
			},
			[]string{"type"},
		),

		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_task_transitions_total",
				Help: "Task state transitions by type and new state",
			},
			[]string{"type", "state"},
		),

		TaskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_task_retries_total",
				Help: "Task retry scheduling by type",
			},
			[]string{"type"},
		),

		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "omnigate_tasks_in_flight",
				Help: "Tasks currently in pending or processing state",
			},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omnigate_task_duration_seconds",
				Help:    "Time from task creation to terminal state",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type", "state"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_cache_hits_total",
				Help: "Cache hits by region and tier",
			},
			[]string{"region", "tier"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_cache_misses_total",
				Help: "Cache misses by region",
			},
			[]string{"region"},
		),

		CacheSets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_cache_sets_total",
				Help: "Cache writes by region",
			},
			[]string{"region"},
		),

		CacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_cache_evictions_total",
				Help: "Cache evictions by region and reason",
			},
			[]string{"region", "reason"},
		),

		CacheGetDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omnigate_cache_get_duration_seconds",
				Help:    "Cache lookup latency by region",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"region"},
		),

		CacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "omnigate_cache_entries",
				Help: "Live entries per region in the memory tier",
			},
			[]string{"region"},
		),

		CacheMemoryBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "omnigate_cache_memory_bytes",
				Help: "Approximate memory tier bytes per region",
			},
			[]string{"region"},
		),

		CacheHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "omnigate_cache_region_healthy",
				Help: "Cache region health per the monitor (1=healthy)",
			},
			[]string{"region"},
		),

		LockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_lock_acquisitions_total",
				Help: "Distributed lock acquisition attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		LockAcquireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omnigate_lock_acquire_duration_seconds",
				Help:    "Time spent acquiring distributed locks",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"backend"},
		),

		MediaUploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_media_uploads_total",
				Help: "Media store writes by media type and upload strategy",
			},
			[]string{"media_type", "strategy"},
		),

		MediaUploadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_media_upload_bytes_total",
				Help: "Bytes written to the media store",
			},
			[]string{"media_type"},
		),

		MediaDownloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_media_downloads_total",
				Help: "Media store reads by media type",
			},
			[]string{"media_type"},
		),

		MediaErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_media_errors_total",
				Help: "Media store failures by operation and error code",
			},
			[]string{"operation", "code"},
		),

		RealtimeSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "omnigate_realtime_sessions_active",
				Help: "Live realtime audio sessions",
			},
		),

		RealtimeSessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omnigate_realtime_session_duration_seconds",
				Help:    "Realtime session lifetime at close",
				Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"provider", "end_state"},
		),

		RealtimeZombiesSwept: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_realtime_zombies_swept_total",
				Help: "Sessions marked as zombies by the sweep",
			},
			[]string{"provider"},
		),

		RealtimeAudioSeconds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_realtime_audio_seconds_total",
				Help: "Audio seconds processed by direction",
			},
			[]string{"provider", "direction"},
		),

		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_provider_errors_total",
				Help: "Provider call failures by provider, type, and severity",
			},
			[]string{"provider", "error_type", "fatal"},
		),

		CredentialsDisabled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_credentials_disabled_total",
				Help: "Credentials auto-disabled by the error tracker",
			},
			[]string{"provider", "error_type"},
		),

		WebhookBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_webhook_batches_total",
				Help: "Webhook batches published by outcome",
			},
			[]string{"outcome"},
		),

		WebhookBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "omnigate_webhook_batch_size",
				Help:    "Deliveries per published batch",
				Buckets: []float64{1, 5, 10, 25, 50, 75, 100},
			},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),

		WebhookQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "omnigate_webhook_queue_depth",
				Help: "Deliveries waiting in the batching queue",
			},
		),

		WebhookCircuitOpen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_webhook_circuit_open_total",
				Help: "Webhook circuit breaker open transitions",
			},
			[]string{"reason"},
		),

		VideoGenerations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_video_generations_total",
				Help: "Video generation requests by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		VideoGenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omnigate_video_generation_duration_seconds",
				Help:    "End-to-end video generation duration",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"model"},
		),

		VideoProgressEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_video_progress_events_total",
				Help: "Progress events by source (native or scheduled)",
			},
			[]string{"source"},
		),

		TracesStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_traces_started_total",
				Help: "Traces started by operation type",
			},
			[]string{"operation_type"},
		),

		TracesCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_traces_completed_total",
				Help: "Traces completed by operation type and status",
			},
			[]string{"operation_type", "status"},
		),

		AlertsTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_alerts_triggered_total",
				Help: "Alerts raised by source and severity",
			},
			[]string{"source", "severity"},
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnigate_cost_usd_total",
				Help: "Accrued spend in USD by model and operation",
			},
			[]string{"model", "provider", "operation"},
		),
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ============================================================================
// Recording helpers
// ============================================================================

// RecordCacheHit records a cache hit on the given tier.
func (m *Metrics) RecordCacheHit(region domain.CacheRegion, tier string, duration time.Duration) {
	m.CacheHits.WithLabelValues(string(region), tier).Inc()
	m.CacheGetDuration.WithLabelValues(string(region)).Observe(duration.Seconds())
}

// RecordCacheMiss records a full miss across enabled tiers.
func (m *Metrics) RecordCacheMiss(region domain.CacheRegion, duration time.Duration) {
	m.CacheMisses.WithLabelValues(string(region)).Inc()
	m.CacheGetDuration.WithLabelValues(string(region)).Observe(duration.Seconds())
}

// RecordCacheSet records a cache write.
func (m *Metrics) RecordCacheSet(region domain.CacheRegion) {
	m.CacheSets.WithLabelValues(string(region)).Inc()
}

// RecordCacheEviction records an eviction with its reason.
func (m *Metrics) RecordCacheEviction(region domain.CacheRegion, reason domain.EvictionReason) {
	m.CacheEvictions.WithLabelValues(string(region), string(reason)).Inc()
}

// RecordTaskCreated records a new async task.
func (m *Metrics) RecordTaskCreated(taskType domain.TaskType) {
	m.TasksCreated.WithLabelValues(string(taskType)).Inc()
	m.TasksInFlight.Inc()
}

// RecordTaskTransition records a state change; terminal transitions also
// record the task's total duration and drop the in-flight gauge.
func (m *Metrics) RecordTaskTransition(taskType domain.TaskType, state domain.TaskState, age time.Duration) {
	m.TaskTransitions.WithLabelValues(string(taskType), string(state)).Inc()
	if state.Terminal() {
		m.TasksInFlight.Dec()
		m.TaskDuration.WithLabelValues(string(taskType), string(state)).Observe(age.Seconds())
	}
}

// RecordTaskRetry records a retry being scheduled.
func (m *Metrics) RecordTaskRetry(taskType domain.TaskType) {
	m.TaskRetries.WithLabelValues(string(taskType)).Inc()
}

// RecordRoutingDecision records a deployment selection.
func (m *Metrics) RecordRoutingDecision(strategy domain.RoutingStrategy, model string) {
	m.RoutingDecisions.WithLabelValues(string(strategy), model).Inc()
}

// RecordFallback records one hop along a fallback chain.
func (m *Metrics) RecordFallback(fromModel, toModel string) {
	m.RoutingFallbacks.WithLabelValues(fromModel, toModel).Inc()
}

// RecordRetry records a retry attempt during request execution.
func (m *Metrics) RecordRetry(model string, errorType domain.ProviderErrorType) {
	m.RoutingRetries.WithLabelValues(model, string(errorType)).Inc()
}

// SetDeploymentHealth updates a deployment's health gauge.
func (m *Metrics) SetDeploymentHealth(deployment, provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.DeploymentHealthy.WithLabelValues(deployment, provider).Set(v)
}

// RecordLockAcquire records a lock acquisition attempt.
func (m *Metrics) RecordLockAcquire(backend, outcome string, duration time.Duration) {
	m.LockAcquisitions.WithLabelValues(backend, outcome).Inc()
	m.LockAcquireDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordMediaUpload records a completed media write.
func (m *Metrics) RecordMediaUpload(mediaType domain.MediaType, strategy string, sizeBytes int64) {
	m.MediaUploads.WithLabelValues(string(mediaType), strategy).Inc()
	m.MediaUploadBytes.WithLabelValues(string(mediaType)).Add(float64(sizeBytes))
}

// RecordProviderError records an observed provider failure.
func (m *Metrics) RecordProviderError(providerID string, errorType domain.ProviderErrorType) {
	fatal := "false"
	if errorType.Fatal() {
		fatal = "true"
	}
	m.ProviderErrors.WithLabelValues(providerID, string(errorType), fatal).Inc()
}

// RecordCredentialDisabled records an auto-disable decision.
func (m *Metrics) RecordCredentialDisabled(providerID string, errorType domain.ProviderErrorType) {
	m.CredentialsDisabled.WithLabelValues(providerID, string(errorType)).Inc()
}

// RecordWebhookBatch records a published batch and its size.
func (m *Metrics) RecordWebhookBatch(outcome string, size int) {
	m.WebhookBatches.WithLabelValues(outcome).Inc()
	m.WebhookBatchSize.Observe(float64(size))
}

// RecordSessionOpened records a newly registered realtime session.
func (m *Metrics) RecordSessionOpened() {
	m.RealtimeSessionsActive.Inc()
}

// RecordSessionClosed records a realtime session reaching its end state.
func (m *Metrics) RecordSessionClosed(provider, endState string, duration time.Duration) {
	m.RealtimeSessionsActive.Dec()
	m.RealtimeSessionDuration.WithLabelValues(provider, endState).Observe(duration.Seconds())
}

// RecordZombieSwept records a session flagged by the zombie sweep.
func (m *Metrics) RecordZombieSwept(provider string) {
	m.RealtimeZombiesSwept.WithLabelValues(provider).Inc()
}

// RecordAudioSeconds accrues processed audio time for a session's provider.
func (m *Metrics) RecordAudioSeconds(provider string, inputSeconds, outputSeconds float64) {
	if inputSeconds > 0 {
		m.RealtimeAudioSeconds.WithLabelValues(provider, "input").Add(inputSeconds)
	}
	if outputSeconds > 0 {
		m.RealtimeAudioSeconds.WithLabelValues(provider, "output").Add(outputSeconds)
	}
}

// RecordVideoGeneration records a finished generation attempt.
func (m *Metrics) RecordVideoGeneration(model, outcome string, duration time.Duration) {
	m.VideoGenerations.WithLabelValues(model, outcome).Inc()
	if outcome == "completed" {
		m.VideoGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	}
}

// RecordCost accrues spend for a completed operation.
func (m *Metrics) RecordCost(model, providerID, operation string, costUSD float64) {
	if costUSD > 0 {
		m.CostUSD.WithLabelValues(model, providerID, operation).Add(costUSD)
	}
}

// RecordVideoProgress records a progress event by its source.
func (m *Metrics) RecordVideoProgress(source string) {
	m.VideoProgressEvents.WithLabelValues(source).Inc()
}

// SetCacheUsage updates a region's live entry and byte gauges.
func (m *Metrics) SetCacheUsage(region domain.CacheRegion, entries, memoryBytes int64) {
	m.CacheEntries.WithLabelValues(string(region)).Set(float64(entries))
	m.CacheMemoryBytes.WithLabelValues(string(region)).Set(float64(memoryBytes))
}

// SetCacheHealthy updates a region's health gauge.
func (m *Metrics) SetCacheHealthy(region domain.CacheRegion, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.CacheHealthy.WithLabelValues(string(region)).Set(v)
}

// RecordAlert records a triggered alert.
func (m *Metrics) RecordAlert(source, severity string) {
	m.AlertsTriggered.WithLabelValues(source, severity).Inc()
}

// RecordWebhookDelivery records one delivery attempt's outcome.
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// SetWebhookQueueDepth updates the batching queue gauge.
func (m *Metrics) SetWebhookQueueDepth(depth int) {
	m.WebhookQueueDepth.Set(float64(depth))
}

// RecordWebhookCircuitOpen records a breaker opening.
func (m *Metrics) RecordWebhookCircuitOpen(reason string) {
	m.WebhookCircuitOpen.WithLabelValues(reason).Inc()
}

// RecordTraceStarted records a new trace.
func (m *Metrics) RecordTraceStarted(operationType string) {
	m.TracesStarted.WithLabelValues(operationType).Inc()
}

// RecordTraceCompleted records a finished trace and its status.
func (m *Metrics) RecordTraceCompleted(operationType, status string) {
	m.TracesCompleted.WithLabelValues(operationType, status).Inc()
}
