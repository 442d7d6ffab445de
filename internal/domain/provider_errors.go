package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Provider Error Taxonomy
// =============================================================================

// ProviderErrorType classifies a failure observed on a provider call.
type ProviderErrorType string

const (
	ErrorTypeInvalidAPIKey      ProviderErrorType = "invalid_api_key"
	ErrorTypeInsufficientQuota  ProviderErrorType = "insufficient_quota"
	ErrorTypeModelNotFound      ProviderErrorType = "model_not_found"
	ErrorTypePermissionDenied   ProviderErrorType = "permission_denied"
	ErrorTypeAccountSuspended   ProviderErrorType = "account_suspended"
	ErrorTypePaymentRequired    ProviderErrorType = "payment_required"
	ErrorTypeNetworkError       ProviderErrorType = "network_error"
	ErrorTypeTimeout            ProviderErrorType = "timeout"
	ErrorTypeRateLimit          ProviderErrorType = "rate_limit"
	ErrorTypeServiceUnavailable ProviderErrorType = "service_unavailable"
	ErrorTypeInternalError      ProviderErrorType = "internal_error"
	ErrorTypeUnknown            ProviderErrorType = "unknown"
)

// Fatal reports whether the error type counts toward credential
// auto-disable. Warnings are observed for diagnostics only.
func (t ProviderErrorType) Fatal() bool {
	switch t {
	case ErrorTypeInvalidAPIKey, ErrorTypeInsufficientQuota, ErrorTypePermissionDenied,
		ErrorTypeAccountSuspended, ErrorTypePaymentRequired:
		return true
	}
	return false
}

// Retryable reports whether the error type is transient.
func (t ProviderErrorType) Retryable() bool {
	switch t {
	case ErrorTypeNetworkError, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServiceUnavailable, ErrorTypeInternalError:
		return true
	}
	return false
}

// ProviderError is a classified failure from a provider call. Callers branch
// on Type rather than parsing messages.
type ProviderError struct {
	Type         ProviderErrorType `json:"type"`
	ProviderID   string            `json:"provider_id,omitempty"`
	CredentialID string            `json:"credential_id,omitempty"`
	StatusCode   int               `json:"status_code,omitempty"`
	Message      string            `json:"message"`
	OccurredAt   time.Time         `json:"occurred_at"`
	cause        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
}

// Unwrap exposes the underlying error for errors.Is/As chains.
func (e *ProviderError) Unwrap() error { return e.cause }

// Fatal reports whether this error counts toward auto-disable.
func (e *ProviderError) Fatal() bool { return e.Type.Fatal() }

// Retryable reports whether this error is transient.
func (e *ProviderError) Retryable() bool { return e.Type.Retryable() }

// NewProviderError wraps err with a classification.
func NewProviderError(errType ProviderErrorType, statusCode int, err error) *ProviderError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ProviderError{
		Type:       errType,
		StatusCode: statusCode,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
		cause:      err,
	}
}

// ClassifyProviderError maps an arbitrary error to a ProviderError. Already
// classified errors pass through; everything else is classified by status
// code hints and message heuristics.
func ClassifyProviderError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	msg := strings.ToLower(err.Error())
	classified := &ProviderError{
		Type:       ErrorTypeUnknown,
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
		cause:      err,
	}

	switch {
	case strings.Contains(msg, "invalid api key"), strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "incorrect api key"), strings.Contains(msg, "401"),
		strings.Contains(msg, "unauthorized"):
		classified.Type = ErrorTypeInvalidAPIKey
		classified.StatusCode = 401
	case strings.Contains(msg, "insufficient quota"), strings.Contains(msg, "quota exceeded"),
		strings.Contains(msg, "insufficient_quota"):
		classified.Type = ErrorTypeInsufficientQuota
		classified.StatusCode = 429
	case strings.Contains(msg, "payment required"), strings.Contains(msg, "402"),
		strings.Contains(msg, "billing"):
		classified.Type = ErrorTypePaymentRequired
		classified.StatusCode = 402
	case strings.Contains(msg, "account suspended"), strings.Contains(msg, "account deactivated"):
		classified.Type = ErrorTypeAccountSuspended
		classified.StatusCode = 403
	case strings.Contains(msg, "permission"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "403"):
		classified.Type = ErrorTypePermissionDenied
		classified.StatusCode = 403
	case strings.Contains(msg, "model not found"), strings.Contains(msg, "unknown model"),
		strings.Contains(msg, "does not exist"):
		classified.Type = ErrorTypeModelNotFound
		classified.StatusCode = 404
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		classified.Type = ErrorTypeRateLimit
		classified.StatusCode = 429
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		classified.Type = ErrorTypeTimeout
	case strings.Contains(msg, "service unavailable"), strings.Contains(msg, "503"),
		strings.Contains(msg, "overloaded"):
		classified.Type = ErrorTypeServiceUnavailable
		classified.StatusCode = 503
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "network"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		classified.Type = ErrorTypeNetworkError
	case strings.Contains(msg, "internal server error"), strings.Contains(msg, "500"),
		strings.Contains(msg, "502"), strings.Contains(msg, "bad gateway"):
		classified.Type = ErrorTypeInternalError
		classified.StatusCode = 500
	}

	return classified
}

// IsRetryableError reports whether err should be retried with backoff.
// Cancellation is never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Deadline on the caller's context ends the attempt chain.
		return false
	}
	return ClassifyProviderError(err).Retryable()
}

// =============================================================================
// Provider Credential Types
// =============================================================================

// ProviderCredential is an operator-owned API credential for one provider.
// A provider may hold several; exactly one is primary.
type ProviderCredential struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Name       string    `json:"name,omitempty"`
	IsPrimary  bool      `json:"is_primary"`
	IsEnabled  bool      `json:"is_enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProviderErrorRecord is one observed provider failure, as tracked per
// credential by the error tracker.
type ProviderErrorRecord struct {
	CredentialID string            `json:"credential_id"`
	ProviderID   string            `json:"provider_id"`
	ErrorType    ProviderErrorType `json:"error_type"`
	IsFatal      bool              `json:"is_fatal"`
	StatusCode   int               `json:"status_code,omitempty"`
	Message      string            `json:"message"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// ErrorAggregate is the per-credential rollup of one fatal error type.
type ErrorAggregate struct {
	ErrorType      ProviderErrorType `json:"error_type"`
	Count          int64             `json:"count"`
	FirstSeen      time.Time         `json:"first_seen"`
	LastSeen       time.Time         `json:"last_seen"`
	LastMessage    string            `json:"last_message"`
	LastStatusCode int               `json:"last_status_code,omitempty"`
	DisabledAt     *time.Time        `json:"disabled_at,omitempty"`
}
