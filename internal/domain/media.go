package domain

import "time"

// =============================================================================
// Media Types
// =============================================================================

// MediaType is the broad class of a stored blob.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
	MediaTypeOther MediaType = "other"
)

// ParseMediaType maps a content type to a media type.
func ParseMediaType(contentType string) MediaType {
	switch {
	case len(contentType) >= 6 && contentType[:6] == "image/":
		return MediaTypeImage
	case len(contentType) >= 6 && contentType[:6] == "video/":
		return MediaTypeVideo
	case len(contentType) >= 6 && contentType[:6] == "audio/":
		return MediaTypeAudio
	default:
		return MediaTypeOther
	}
}

// MediaMetadata describes an upload before it is stored.
type MediaMetadata struct {
	FileName       string            `json:"file_name,omitempty"`
	ContentType    string            `json:"content_type"`
	MediaType      MediaType         `json:"media_type"`
	SizeBytes      int64             `json:"size_bytes,omitempty"`
	VirtualKeyID   string            `json:"virtual_key_id,omitempty"`
	TTL            time.Duration     `json:"ttl,omitempty"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`

	// Upload hints consulted by the strategy selector.
	PreferMultipart bool `json:"prefer_multipart,omitempty"`
	PreferPresigned bool `json:"prefer_presigned,omitempty"`
}

// VideoMetadata extends MediaMetadata with generation provenance.
type VideoMetadata struct {
	MediaMetadata
	GeneratedByModel string  `json:"generated_by_model,omitempty"`
	GenerationPrompt string  `json:"generation_prompt,omitempty"`
	DurationSeconds  float64 `json:"duration_seconds,omitempty"`
	Resolution       string  `json:"resolution,omitempty"`
	FrameRate        int     `json:"frame_rate,omitempty"`
}

// MediaInfo describes a stored blob.
type MediaInfo struct {
	StorageKey     string            `json:"storage_key"`
	ContentType    string            `json:"content_type"`
	SizeBytes      int64             `json:"size_bytes"`
	MediaType      MediaType         `json:"media_type"`
	ContentHash    string            `json:"content_hash,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

// MediaStorageResult is returned by every successful store operation.
type MediaStorageResult struct {
	StorageKey  string    `json:"storage_key"`
	URL         string    `json:"url,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	ContentHash string    `json:"content_hash,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// UploadProgress reports bytes moved during a store operation.
type UploadProgress struct {
	BytesTransferred int64 `json:"bytes_transferred"`
	TotalBytes       int64 `json:"total_bytes,omitempty"`
}
