package domain

import "time"

// =============================================================================
// Pricing Types
// =============================================================================

// PricingSchemaType identifies the cost formula family for a model.
type PricingSchemaType string

const (
	PricingPerToken         PricingSchemaType = "per_token"
	PricingPerImage         PricingSchemaType = "per_image"
	PricingPerVideo         PricingSchemaType = "per_video"
	PricingPerSecondVideo   PricingSchemaType = "per_second_video"
	PricingInferenceSteps   PricingSchemaType = "inference_steps"
	PricingTieredTokens     PricingSchemaType = "tiered_tokens"
	PricingPerMinuteAudio   PricingSchemaType = "per_minute_audio"
	PricingPerThousandChars PricingSchemaType = "per_thousand_characters"
)

// ParsePricingSchemaType parses a schema type string.
func ParsePricingSchemaType(s string) (PricingSchemaType, bool) {
	switch s {
	case "per_token":
		return PricingPerToken, true
	case "per_image":
		return PricingPerImage, true
	case "per_video":
		return PricingPerVideo, true
	case "per_second_video":
		return PricingPerSecondVideo, true
	case "inference_steps":
		return PricingInferenceSteps, true
	case "tiered_tokens":
		return PricingTieredTokens, true
	case "per_minute_audio":
		return PricingPerMinuteAudio, true
	case "per_thousand_characters":
		return PricingPerThousandChars, true
	default:
		return "", false
	}
}

// Usage captures the billable quantities of one completed operation. Only
// the fields relevant to the model's pricing schema are consulted.
type Usage struct {
	InputTokens    int64   `json:"input_tokens,omitempty"`
	OutputTokens   int64   `json:"output_tokens,omitempty"`
	ImageCount     int     `json:"image_count,omitempty"`
	VideoCount     int     `json:"video_count,omitempty"`
	VideoSeconds   float64 `json:"video_seconds,omitempty"`
	AudioSeconds   float64 `json:"audio_seconds,omitempty"`
	Characters     int64   `json:"characters,omitempty"`
	InferenceSteps int     `json:"inference_steps,omitempty"`

	// Modifier keys matched against schema multiplier tables.
	Quality    string `json:"quality,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// UsageRecord is one row of the virtual-key spend ledger.
type UsageRecord struct {
	ID           string    `json:"id"`
	VirtualKeyID string    `json:"virtual_key_id"`
	RequestID    string    `json:"request_id,omitempty"`
	Model        string    `json:"model"`
	ProviderID   string    `json:"provider_id"`
	Operation    string    `json:"operation"`
	Usage        Usage     `json:"usage"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
