// Package media stores generated media in an S3-compatible bucket under
// content-addressed keys. It supports direct, managed-multipart, and
// client-driven chunked uploads, ranged video reads, presigned URLs, and
// idempotent bucket/CORS provisioning for R2 and other S3 clones.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"omnigate/internal/domain"
)

// ErrSessionNotFound is returned for multipart calls with an unknown or
// expired session id.
var ErrSessionNotFound = errors.New("multipart session not found")

// ProgressFunc receives transfer progress during a store operation. It is
// called from the uploading goroutine and must not block.
type ProgressFunc func(domain.UploadProgress)

// VideoStream is an open ranged read of a stored video. The caller owns
// Stream and must close it.
type VideoStream struct {
	Stream      io.ReadCloser
	RangeStart  int64
	RangeEnd    int64
	TotalSize   int64
	ContentType string
}

// MultipartSession is the server-side state of one chunked upload.
type MultipartSession struct {
	SessionID   string    `json:"session_id"`
	StorageKey  string    `json:"storage_key"`
	UploadID    string    `json:"upload_id"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	MinPartSize int64     `json:"min_part_size"`
	MaxParts    int32     `json:"max_parts"`
}

// UploadedPart identifies one completed part of a multipart upload.
type UploadedPart struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
	SizeBytes  int64  `json:"size_bytes"`
}

// PresignedUpload lets a client PUT a large object straight to the bucket.
type PresignedUpload struct {
	URL              string            `json:"url"`
	HTTPMethod       string            `json:"http_method"`
	RequiredHeaders  map[string]string `json:"required_headers,omitempty"`
	ExpiresAt        time.Time         `json:"expires_at"`
	StorageKey       string            `json:"storage_key"`
	MaxFileSizeBytes int64             `json:"max_file_size_bytes"`
}

// Store is the media storage contract consumed by the video orchestrator
// and the API layer.
type Store interface {
	// Store persists a blob and returns its storage key and content hash.
	Store(ctx context.Context, r io.Reader, meta domain.MediaMetadata, progress ProgressFunc) (*domain.MediaStorageResult, error)
	// StoreVideo persists a generated video with its provenance metadata.
	StoreVideo(ctx context.Context, r io.Reader, meta domain.VideoMetadata, progress ProgressFunc) (*domain.MediaStorageResult, error)
	// GetStream opens the full object. The caller closes the stream.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	// GetVideoStream opens a byte range of a video. Nil bounds default to
	// the full object; out-of-range bounds are clamped.
	GetVideoStream(ctx context.Context, key string, rangeStart, rangeEnd *int64) (*VideoStream, error)
	// GetInfo describes a stored object without reading it.
	GetInfo(ctx context.Context, key string) (*domain.MediaInfo, error)
	// Delete removes an object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// GenerateURL returns a download URL, public when a public base URL is
	// configured and presigned otherwise.
	GenerateURL(ctx context.Context, key string, expiration time.Duration) (string, error)

	// InitiateMultipart opens a chunked upload session.
	InitiateMultipart(ctx context.Context, meta domain.VideoMetadata) (*MultipartSession, error)
	// UploadPart uploads one part of an open session.
	UploadPart(ctx context.Context, sessionID string, partNumber int32, r io.Reader) (*UploadedPart, error)
	// CompleteMultipart assembles the uploaded parts, in part-number order,
	// into the final object.
	CompleteMultipart(ctx context.Context, sessionID string, parts []UploadedPart) (*domain.MediaStorageResult, error)
	// AbortMultipart discards the session and any uploaded parts.
	AbortMultipart(ctx context.Context, sessionID string) error

	// PresignUpload returns a presigned PUT for client-side upload.
	PresignUpload(ctx context.Context, meta domain.VideoMetadata, expiration time.Duration) (*PresignedUpload, error)
}

// =============================================================================
// Error Classification
// =============================================================================

// ErrorKind buckets backend failures into the classes callers branch on.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindTooLarge     ErrorKind = "too_large"
	KindAccessDenied ErrorKind = "access_denied"
	KindThrottled    ErrorKind = "throttled"
	KindOther        ErrorKind = "other"
)

// StorageError wraps a backend error with its classification and the
// operation that produced it.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a classified not-found failure.
func IsNotFound(err error) bool { return errorKind(err) == KindNotFound }

// IsAccessDenied reports whether err is a classified permission failure.
func IsAccessDenied(err error) bool { return errorKind(err) == KindAccessDenied }

// IsThrottled reports whether err is a classified rate-limit failure.
func IsThrottled(err error) bool { return errorKind(err) == KindThrottled }

func errorKind(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// classify wraps a backend error as a StorageError. The S3-compatible
// services in play (AWS, R2, MinIO) agree on these error codes.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	kind := KindOther
	if apiErr, ok := lo.ErrorsAs[smithy.APIError](err); ok {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchUpload", "404":
			kind = KindNotFound
		case "EntityTooLarge", "MaxMessageLengthExceeded":
			kind = KindTooLarge
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "403":
			kind = KindAccessDenied
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			kind = KindThrottled
		}
	}

	return &StorageError{Kind: kind, Op: op, Key: key, Err: err}
}
