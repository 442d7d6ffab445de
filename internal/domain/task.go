// Package domain defines core domain types shared across the Omnigate
// services layer.
package domain

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Async Task Types
// =============================================================================

// TaskType identifies the kind of long-running work a task tracks.
type TaskType string

const (
	TaskTypeVideoGeneration    TaskType = "video_generation"
	TaskTypeImageGeneration    TaskType = "image_generation"
	TaskTypeAudioTranscription TaskType = "audio_transcription"
	TaskTypeBatchProcessing    TaskType = "batch_processing"
)

// ParseTaskType parses a task type string.
func ParseTaskType(s string) (TaskType, bool) {
	switch s {
	case "video_generation", "video":
		return TaskTypeVideoGeneration, true
	case "image_generation", "image":
		return TaskTypeImageGeneration, true
	case "audio_transcription", "transcription":
		return TaskTypeAudioTranscription, true
	case "batch_processing", "batch":
		return TaskTypeBatchProcessing, true
	default:
		return "", false
	}
}

// TaskState is the lifecycle state of an async task.
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateCancelled  TaskState = "cancelled"
	TaskStateTimedOut   TaskState = "timed_out"
)

// ParseTaskState parses a task state string.
func ParseTaskState(s string) (TaskState, bool) {
	switch s {
	case "pending":
		return TaskStatePending, true
	case "processing":
		return TaskStateProcessing, true
	case "completed":
		return TaskStateCompleted, true
	case "failed":
		return TaskStateFailed, true
	case "cancelled":
		return TaskStateCancelled, true
	case "timed_out":
		return TaskStateTimedOut, true
	default:
		return "", false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateTimedOut:
		return true
	}
	return false
}

// AsyncTask is the durable record of a long-running operation. The durable
// row is the source of truth; cached copies are best-effort and self-heal
// from the row on read.
type AsyncTask struct {
	ID              string          `json:"id"`
	Type            TaskType        `json:"type"`
	State           TaskState       `json:"state"`
	VirtualKeyID    string          `json:"virtual_key_id"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// CanRetry reports whether the task has retry budget left.
func (t *AsyncTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Clone returns a deep copy of the task.
func (t *AsyncTask) Clone() *AsyncTask {
	cp := *t
	if t.NextRetryAt != nil {
		at := *t.NextRetryAt
		cp.NextRetryAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	if t.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &cp
}
