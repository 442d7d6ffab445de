package domain

// =============================================================================
// Non-video Generation Types
// =============================================================================

// ImageGenerationRequest asks a provider for one or more images.
type ImageGenerationRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
	VirtualKeyID string `json:"virtual_key_id,omitempty"`
	Size         string `json:"size,omitempty"`
	Quality      string `json:"quality,omitempty"`
	Count        int    `json:"count,omitempty"`
}

// ImageGenerationResult carries the generated images as raw bytes or
// fetchable URLs, provider depending.
type ImageGenerationResult struct {
	Images      [][]byte `json:"-"`
	ImageURLs   []string `json:"image_urls,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Usage       Usage    `json:"usage"`
}

// SpeechRequest asks a provider to synthesize audio from text.
type SpeechRequest struct {
	RequestID    string  `json:"request_id,omitempty"`
	Model        string  `json:"model"`
	Input        string  `json:"input"`
	Voice        string  `json:"voice,omitempty"`
	Format       string  `json:"format,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	VirtualKeyID string  `json:"virtual_key_id,omitempty"`
}

// SpeechResult is synthesized audio.
type SpeechResult struct {
	AudioBytes  []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	Usage       Usage  `json:"usage"`
}

// TranscriptionRequest asks a provider to transcribe audio.
type TranscriptionRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	Model        string `json:"model"`
	AudioBytes   []byte `json:"-"`
	FileName     string `json:"file_name,omitempty"`
	Language     string `json:"language,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	VirtualKeyID string `json:"virtual_key_id,omitempty"`
}

// TranscriptionResult is the recognized text.
type TranscriptionResult struct {
	Text            string  `json:"text"`
	Language        string  `json:"language,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Usage           Usage   `json:"usage"`
}
