package domain

// =============================================================================
// Chat Types
// =============================================================================

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a gateway-facing chat completion request. Model names the
// gateway alias; the router resolves it to a deployment before dispatch.
type ChatRequest struct {
	RequestID    string            `json:"request_id,omitempty"`
	Model        string            `json:"model"`
	Messages     []ChatMessage     `json:"messages"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Temperature  *float32          `json:"temperature,omitempty"`
	MaxTokens    *int32            `json:"max_tokens,omitempty"`
	VirtualKeyID string            `json:"virtual_key_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ChatResponse is a completed chat turn.
type ChatResponse struct {
	RequestID    string `json:"request_id,omitempty"`
	Model        string `json:"model"`
	Deployment   string `json:"deployment,omitempty"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}
