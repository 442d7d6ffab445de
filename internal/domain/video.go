package domain

// =============================================================================
// Video Generation Types
// =============================================================================

// VideoGenerationRequest is a request to generate a video clip.
type VideoGenerationRequest struct {
	RequestID       string            `json:"request_id"`
	Model           string            `json:"model"`
	Prompt          string            `json:"prompt"`
	VirtualKeyID    string            `json:"virtual_key_id"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	Size            string            `json:"size,omitempty"`
	FPS             int               `json:"fps,omitempty"`
	Style           string            `json:"style,omitempty"`
	ResponseFormat  string            `json:"response_format,omitempty"`
	WebhookURL      string            `json:"webhook_url,omitempty"`
	WebhookHeaders  map[string]string `json:"webhook_headers,omitempty"`
}

// VideoGenerationResult is the provider's answer to a generation request.
// Providers return either raw bytes or a fetchable URL.
type VideoGenerationResult struct {
	VideoBytes   []byte  `json:"-"`
	VideoURL     string  `json:"video_url,omitempty"`
	ContentType  string  `json:"content_type,omitempty"`
	DurationSecs float64 `json:"duration_seconds,omitempty"`
	Usage        Usage   `json:"usage"`
}
