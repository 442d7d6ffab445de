// Package events defines the gateway's lifecycle events and the
// publish-subscribe primitive that carries them. Delivery is at-least-once
// and ordered per routing key; consumers deduplicate via delivery keys.
package events

import (
	"time"

	"omnigate/internal/domain"
)

// Event is implemented by every published event type.
type Event interface {
	EventType() string
}

// Event type names, used as subscription topics.
const (
	TypeAsyncTaskCreated            = "async_task.created"
	TypeAsyncTaskUpdated            = "async_task.updated"
	TypeVideoGenerationRequested    = "video_generation.requested"
	TypeVideoGenerationProgress     = "video_generation.progress"
	TypeVideoGenerationCompleted    = "video_generation.completed"
	TypeVideoGenerationFailed       = "video_generation.failed"
	TypeVideoGenerationCancelled    = "video_generation.cancelled"
	TypeVideoProgressCheckRequested = "video_generation.progress_check"
	TypeMediaGenerationCompleted    = "media_generation.completed"
	TypeWebhookDeliveryRequested    = "webhook.delivery_requested"
	TypeCredentialDisabled          = "credential.disabled"
	TypeCacheAlertTriggered         = "cache.alert_triggered"
)

// AsyncTaskCreated is published when a new async task is persisted.
type AsyncTaskCreated struct {
	TaskID       string          `json:"task_id"`
	TaskType     domain.TaskType `json:"task_type"`
	VirtualKeyID string          `json:"virtual_key_id"`
}

func (AsyncTaskCreated) EventType() string { return TypeAsyncTaskCreated }

// AsyncTaskUpdated is published best-effort on every task state change.
type AsyncTaskUpdated struct {
	TaskID      string           `json:"task_id"`
	State       domain.TaskState `json:"state"`
	Progress    int              `json:"progress"`
	IsCompleted bool             `json:"is_completed"`
}

func (AsyncTaskUpdated) EventType() string { return TypeAsyncTaskUpdated }

// VideoParameters carries the request-scoped generation knobs.
type VideoParameters struct {
	Size           string  `json:"size,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	FPS            int     `json:"fps,omitempty"`
	Style          string  `json:"style,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
}

// VideoGenerationRequested starts the async video pipeline.
type VideoGenerationRequested struct {
	RequestID      string            `json:"request_id"`
	Model          string            `json:"model"`
	Prompt         string            `json:"prompt"`
	VirtualKeyID   string            `json:"virtual_key_id"`
	IsAsync        bool              `json:"is_async"`
	TaskID         string            `json:"task_id,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	Parameters     VideoParameters   `json:"parameters"`
	CorrelationID  string            `json:"correlation_id"`
}

func (VideoGenerationRequested) EventType() string { return TypeVideoGenerationRequested }

// VideoGenerationProgress reports generation progress for one request.
type VideoGenerationProgress struct {
	RequestID          string `json:"request_id"`
	ProgressPercentage int    `json:"progress_percentage"`
	Status             string `json:"status"`
	Message            string `json:"message,omitempty"`
	CorrelationID      string `json:"correlation_id"`
}

func (VideoGenerationProgress) EventType() string { return TypeVideoGenerationProgress }

// VideoGenerationCompleted carries the final video URL.
type VideoGenerationCompleted struct {
	RequestID     string    `json:"request_id"`
	VideoURL      string    `json:"video_url"`
	CompletedAt   time.Time `json:"completed_at"`
	CorrelationID string    `json:"correlation_id"`
}

func (VideoGenerationCompleted) EventType() string { return TypeVideoGenerationCompleted }

// VideoGenerationFailed carries the terminal error string.
type VideoGenerationFailed struct {
	RequestID     string    `json:"request_id"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
	CorrelationID string    `json:"correlation_id"`
}

func (VideoGenerationFailed) EventType() string { return TypeVideoGenerationFailed }

// VideoGenerationCancelled is published when a request is cancelled,
// distinct from failure.
type VideoGenerationCancelled struct {
	RequestID     string    `json:"request_id"`
	CancelledAt   time.Time `json:"cancelled_at"`
	CorrelationID string    `json:"correlation_id"`
}

func (VideoGenerationCancelled) EventType() string { return TypeVideoGenerationCancelled }

// VideoProgressCheckRequested is the pseudo-progress checkpoint used when
// the provider client reports no native progress.
type VideoProgressCheckRequested struct {
	RequestID          string `json:"request_id"`
	ProgressPercentage int    `json:"progress_percentage"`
	CorrelationID      string `json:"correlation_id"`
}

func (VideoProgressCheckRequested) EventType() string { return TypeVideoProgressCheckRequested }

// MediaGenerationCompleted is published after generated media is persisted,
// for lifecycle tracking.
type MediaGenerationCompleted struct {
	MediaType        domain.MediaType  `json:"media_type"`
	VirtualKeyID     string            `json:"virtual_key_id"`
	MediaURL         string            `json:"media_url"`
	StorageKey       string            `json:"storage_key"`
	FileSizeBytes    int64             `json:"file_size_bytes"`
	ContentType      string            `json:"content_type"`
	GeneratedByModel string            `json:"generated_by_model,omitempty"`
	GenerationPrompt string            `json:"generation_prompt,omitempty"`
	GeneratedAt      time.Time         `json:"generated_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (MediaGenerationCompleted) EventType() string { return TypeMediaGenerationCompleted }

// WebhookDeliveryRequested asks the webhook pipeline to deliver a payload.
type WebhookDeliveryRequested struct {
	PartitionKey string            `json:"partition_key"`
	DeliveryKey  string            `json:"delivery_key"`
	URL          string            `json:"url"`
	Payload      []byte            `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
}

func (WebhookDeliveryRequested) EventType() string { return TypeWebhookDeliveryRequested }

// CredentialDisabled is published when the error tracker disables a
// credential or its provider.
type CredentialDisabled struct {
	KeyID      string    `json:"key_id"`
	ProviderID string    `json:"provider_id"`
	Reason     string    `json:"reason"`
	DisabledAt time.Time `json:"disabled_at"`
}

func (CredentialDisabled) EventType() string { return TypeCredentialDisabled }

// CacheAlertTriggered is published by the cache monitor when a region
// crosses a configured threshold.
type CacheAlertTriggered struct {
	Region      domain.CacheRegion `json:"region"`
	AlertType   string             `json:"alert_type"`
	Severity    string             `json:"severity"`
	Message     string             `json:"message"`
	MetricValue float64            `json:"metric_value"`
	Threshold   float64            `json:"threshold"`
	TriggeredAt time.Time          `json:"triggered_at"`
}

func (CacheAlertTriggered) EventType() string { return TypeCacheAlertTriggered }
