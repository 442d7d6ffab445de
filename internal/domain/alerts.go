package domain

import "time"

// =============================================================================
// Alert Rules
// =============================================================================

// AlertSeverity ranks how urgent a triggered alert is.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// AlertOperator compares a metric value against a rule threshold.
type AlertOperator string

const (
	OperatorGT  AlertOperator = "gt"
	OperatorLT  AlertOperator = "lt"
	OperatorEQ  AlertOperator = "eq"
	OperatorNEQ AlertOperator = "neq"
	OperatorGTE AlertOperator = "gte"
	OperatorLTE AlertOperator = "lte"
)

// Compare applies the operator to (value, threshold). Unknown operators
// never match.
func (op AlertOperator) Compare(value, threshold float64) bool {
	switch op {
	case OperatorGT:
		return value > threshold
	case OperatorLT:
		return value < threshold
	case OperatorEQ:
		return value == threshold
	case OperatorNEQ:
		return value != threshold
	case OperatorGTE:
		return value >= threshold
	case OperatorLTE:
		return value <= threshold
	}
	return false
}

// AlertChannelType names a notification destination kind.
type AlertChannelType string

const (
	ChannelEmail   AlertChannelType = "email"
	ChannelWebhook AlertChannelType = "webhook"
	ChannelSlack   AlertChannelType = "slack"
	ChannelTeams   AlertChannelType = "teams"
)

// AlertChannel is one notification destination for a rule.
type AlertChannel struct {
	Type   AlertChannelType `json:"type"`
	Target string           `json:"target"`
}

// AlertCondition is the threshold test attached to a rule.
type AlertCondition struct {
	Operator       AlertOperator `json:"operator"`
	Threshold      float64       `json:"threshold"`
	TimeWindow     time.Duration `json:"time_window,omitempty"`
	MinOccurrences int           `json:"min_occurrences,omitempty"`
}

// AlertRule decides when a metric crosses into alert territory and where the
// notification goes.
type AlertRule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	MetricType AudioMetricType `json:"metric_type"`
	Condition  AlertCondition  `json:"condition"`
	Severity   AlertSeverity   `json:"severity"`
	IsEnabled  bool            `json:"is_enabled"`
	Cooldown   time.Duration   `json:"cooldown"`
	Channels   []AlertChannel  `json:"channels,omitempty"`
}

// =============================================================================
// Triggered Alerts
// =============================================================================

// AlertState is the lifecycle position of a triggered alert.
type AlertState string

const (
	AlertStateActive       AlertState = "active"
	AlertStateAcknowledged AlertState = "acknowledged"
	AlertStateResolved     AlertState = "resolved"
)

// TriggeredAlert is one firing of a rule.
type TriggeredAlert struct {
	ID             string            `json:"id"`
	Rule           AlertRule         `json:"rule"`
	MetricValue    float64           `json:"metric_value"`
	Message        string            `json:"message"`
	Details        map[string]string `json:"details,omitempty"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	State          AlertState        `json:"state"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	AckNotes       string            `json:"ack_notes,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// =============================================================================
// Audio Metrics
// =============================================================================

// AudioMetricType names a value an alert rule can test.
type AudioMetricType string

const (
	AudioMetricErrorRate            AudioMetricType = "error_rate"
	AudioMetricProviderAvailability AudioMetricType = "provider_availability"
	AudioMetricActiveSessions       AudioMetricType = "active_sessions"
	AudioMetricRequestRate          AudioMetricType = "request_rate"
	AudioMetricPoolUtilization      AudioMetricType = "connection_pool_utilization"
	AudioMetricAvgSessionSeconds    AudioMetricType = "avg_session_seconds"
)

// AudioMetricsSnapshot is a point-in-time reading of the realtime audio
// subsystem, evaluated by the alert service.
type AudioMetricsSnapshot struct {
	ErrorRate            float64            `json:"error_rate"`
	ProviderAvailability map[string]float64 `json:"provider_availability,omitempty"`
	ActiveSessions       int                `json:"active_sessions"`
	RequestsPerMinute    float64            `json:"requests_per_minute"`
	PoolUtilization      float64            `json:"pool_utilization"`
	AvgSessionSeconds    float64            `json:"avg_session_seconds"`
	CapturedAt           time.Time          `json:"captured_at"`
}

// Value extracts the reading for a metric type. Provider availability
// reports the worst provider so a single degraded provider can trip the
// rule; the provider id rides along for alert details.
func (s AudioMetricsSnapshot) Value(metric AudioMetricType) (float64, map[string]string, bool) {
	switch metric {
	case AudioMetricErrorRate:
		return s.ErrorRate, nil, true
	case AudioMetricActiveSessions:
		return float64(s.ActiveSessions), nil, true
	case AudioMetricRequestRate:
		return s.RequestsPerMinute, nil, true
	case AudioMetricPoolUtilization:
		return s.PoolUtilization, nil, true
	case AudioMetricAvgSessionSeconds:
		return s.AvgSessionSeconds, nil, true
	case AudioMetricProviderAvailability:
		if len(s.ProviderAvailability) == 0 {
			return 0, nil, false
		}
		worst := ""
		value := 0.0
		for provider, avail := range s.ProviderAvailability {
			if worst == "" || avail < value {
				worst = provider
				value = avail
			}
		}
		return value, map[string]string{"provider": worst}, true
	}
	return 0, nil, false
}
