package domain

import "time"

// =============================================================================
// Realtime Session Types
// =============================================================================

// SessionState is the lifecycle state of a realtime audio session.
type SessionState string

const (
	SessionStateConnecting SessionState = "connecting"
	SessionStateActive     SessionState = "active"
	SessionStateClosing    SessionState = "closing"
	SessionStateClosed     SessionState = "closed"
	SessionStateError      SessionState = "error"
)

// SessionStatistics accumulates per-session usage counters.
type SessionStatistics struct {
	InputDurationSeconds  float64 `json:"input_duration_seconds"`
	OutputDurationSeconds float64 `json:"output_duration_seconds"`
	TurnCount             int     `json:"turn_count"`
	ErrorCount            int     `json:"error_count"`
	DurationSeconds       float64 `json:"duration_seconds"`
}

// RealtimeSession is one live audio session. Metadata carries the owning
// virtual key under the "virtual_key" entry.
type RealtimeSession struct {
	ID             string            `json:"id"`
	ProviderID     string            `json:"provider_id"`
	Model          string            `json:"model,omitempty"`
	State          SessionState      `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Statistics     SessionStatistics `json:"statistics"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// VirtualKey returns the owning virtual key from session metadata.
func (s *RealtimeSession) VirtualKey() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata["virtual_key"]
}

// Clone returns a deep copy of the session.
func (s *RealtimeSession) Clone() *RealtimeSession {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
