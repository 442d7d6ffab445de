package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

const alertEventType = "audio.alert"

var (
	// ErrAlertNotFound is returned when the alert id is unknown or has
	// aged out of the bounded history.
	ErrAlertNotFound = errors.New("monitoring: alert not found")

	// ErrAlertResolved is returned when acknowledging or resolving an
	// alert that is already resolved.
	ErrAlertResolved = errors.New("monitoring: alert already resolved")
)

// =============================================================================
// Ports
// =============================================================================

// SnapshotSource produces the metric snapshot an evaluation pass consumes.
// The realtime session store satisfies it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) domain.AudioMetricsSnapshot
}

// WebhookSender posts channel payloads over HTTP. webhook.Notifier
// satisfies it.
type WebhookSender interface {
	Send(ctx context.Context, url, eventType string, payload any) error
}

// MailSender delivers alert emails through an external mail system.
type MailSender interface {
	SendAlertEmail(ctx context.Context, to string, alert domain.TriggeredAlert) error
}

// =============================================================================
// Audio Alert Service
// =============================================================================

// AudioAlertService evaluates audio metric snapshots against operator rules.
// Fired alerts land in a bounded history, honor per-rule cooldowns, and fan
// out to the rule's notification channels.
type AudioAlertService struct {
	cfg     config.AlertingConfig
	source  SnapshotSource
	webhook WebhookSender
	mail    MailSender
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	mu          sync.Mutex
	rules       []domain.AlertRule
	lastTrigger map[string]time.Time
	breaches    map[string][]time.Time
	history     []*domain.TriggeredAlert
	byID        map[string]*domain.TriggeredAlert

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAudioAlertService creates the alert service. source, webhook, and mail
// may each be nil: a nil source disables the periodic loop, a nil sender
// turns deliveries on that channel into logged warnings.
func NewAudioAlertService(
	cfg config.AlertingConfig,
	source SnapshotSource,
	webhook WebhookSender,
	mail MailSender,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
	clock clockwork.Clock,
) *AudioAlertService {
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = 1000
	}
	if cfg.DefaultCooldownPeriod.Duration <= 0 {
		cfg.DefaultCooldownPeriod = config.Duration{Duration: 5 * time.Minute}
	}
	if cfg.EvaluationInterval.Duration <= 0 {
		cfg.EvaluationInterval = config.Duration{Duration: time.Minute}
	}
	return &AudioAlertService{
		cfg:         cfg,
		source:      source,
		webhook:     webhook,
		mail:        mail,
		logger:      logger.With("component", "audio_alerts"),
		metrics:     metrics,
		clock:       clock,
		lastTrigger: make(map[string]time.Time),
		breaches:    make(map[string][]time.Time),
		byID:        make(map[string]*domain.TriggeredAlert),
		stop:        make(chan struct{}),
	}
}

// Start launches periodic snapshot evaluation when a source is configured.
func (s *AudioAlertService) Start() {
	if s.source == nil {
		return
	}
	s.wg.Add(1)
	go s.run()
}

// Close stops the evaluation loop and waits for it to exit.
func (s *AudioAlertService) Close() error {
	close(s.stop)
	s.wg.Wait()
	return nil
}

func (s *AudioAlertService) run() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.EvaluationInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
			s.EvaluateSnapshot(ctx, s.source.Snapshot(ctx))
			cancel()
		}
	}
}

// =============================================================================
// Rules
// =============================================================================

// SetRules replaces the rule set.
func (s *AudioAlertService) SetRules(rules []domain.AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]domain.AlertRule(nil), rules...)
}

// UpsertRule adds a rule or replaces the rule with the same id. Rules
// without an id are assigned one; the stored rule is returned.
func (s *AudioAlertService) UpsertRule(rule domain.AlertRule) domain.AlertRule {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == rule.ID {
			s.rules[i] = rule
			return rule
		}
	}
	s.rules = append(s.rules, rule)
	return rule
}

// RemoveRule drops a rule and its trigger bookkeeping.
func (s *AudioAlertService) RemoveRule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			delete(s.lastTrigger, id)
			delete(s.breaches, id)
			return true
		}
	}
	return false
}

// Rules returns a copy of the rule set.
func (s *AudioAlertService) Rules() []domain.AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AlertRule(nil), s.rules...)
}

// =============================================================================
// Evaluation
// =============================================================================

// EvaluateSnapshot applies every enabled rule to the snapshot and returns
// the alerts that fired.
func (s *AudioAlertService) EvaluateSnapshot(ctx context.Context, snap domain.AudioMetricsSnapshot) []domain.TriggeredAlert {
	now := s.clock.Now()

	s.mu.Lock()
	rules := append([]domain.AlertRule(nil), s.rules...)
	s.mu.Unlock()

	var fired []domain.TriggeredAlert
	for _, rule := range rules {
		if !rule.IsEnabled {
			continue
		}
		value, details, ok := snap.Value(rule.MetricType)
		if !ok {
			s.logger.Debug("metric unavailable", "rule", rule.Name, "metric", rule.MetricType)
			continue
		}
		if !rule.Condition.Operator.Compare(value, rule.Condition.Threshold) {
			if rule.Condition.TimeWindow <= 0 {
				s.clearBreaches(rule.ID)
			}
			continue
		}
		if !s.recordBreach(rule, now) {
			continue
		}
		if s.inCooldown(rule, now) {
			continue
		}
		fired = append(fired, s.trigger(ctx, rule, value, details, snap, now))
	}
	return fired
}

// recordBreach tracks one breach occurrence and reports whether the rule's
// occurrence requirement is met. Occurrences age out of the condition's
// time window; with a zero window the streak resets on the first
// non-breaching observation instead.
func (s *AudioAlertService) recordBreach(rule domain.AlertRule, now time.Time) bool {
	need := rule.Condition.MinOccurrences
	if need <= 1 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.breaches[rule.ID]
	if window := rule.Condition.TimeWindow; window > 0 {
		kept := seen[:0]
		for _, t := range seen {
			if now.Sub(t) < window {
				kept = append(kept, t)
			}
		}
		seen = kept
	}
	seen = append(seen, now)
	s.breaches[rule.ID] = seen
	return len(seen) >= need
}

func (s *AudioAlertService) clearBreaches(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breaches, ruleID)
}

func (s *AudioAlertService) inCooldown(rule domain.AlertRule, now time.Time) bool {
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = s.cfg.DefaultCooldownPeriod.Duration
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastTrigger[rule.ID]
	return ok && now.Sub(last) < cooldown
}

// trigger records the alert, starts the rule's cooldown, and fans out
// notifications.
func (s *AudioAlertService) trigger(ctx context.Context, rule domain.AlertRule, value float64, details map[string]string, snap domain.AudioMetricsSnapshot, now time.Time) domain.TriggeredAlert {
	if details == nil {
		details = make(map[string]string)
	}
	details["active_sessions"] = strconv.Itoa(snap.ActiveSessions)

	alert := &domain.TriggeredAlert{
		ID:          uuid.New().String(),
		Rule:        rule,
		MetricValue: value,
		Message:     fmt.Sprintf("%s: %s is %.3f, threshold %s %.3f", rule.Name, rule.MetricType, value, rule.Condition.Operator, rule.Condition.Threshold),
		Details:     details,
		TriggeredAt: now,
		State:       domain.AlertStateActive,
	}

	s.mu.Lock()
	s.lastTrigger[rule.ID] = now
	delete(s.breaches, rule.ID)
	s.history = append(s.history, alert)
	s.byID[alert.ID] = alert
	if len(s.history) > s.cfg.MaxHistorySize {
		drop := len(s.history) - s.cfg.MaxHistorySize
		for _, old := range s.history[:drop] {
			delete(s.byID, old.ID)
		}
		s.history = s.history[drop:]
	}
	s.mu.Unlock()

	s.logger.Warn("audio alert triggered",
		"rule", rule.Name,
		"severity", rule.Severity,
		"metric", rule.MetricType,
		"value", value)

	if s.metrics != nil {
		s.metrics.RecordAlert("audio", string(rule.Severity))
	}
	s.notify(ctx, *alert)
	return *alert
}

// =============================================================================
// Notification fan-out
// =============================================================================

// notify delivers the alert to every channel on the rule. Failures are
// logged and do not affect the other channels.
func (s *AudioAlertService) notify(ctx context.Context, alert domain.TriggeredAlert) {
	for _, ch := range alert.Rule.Channels {
		var err error
		switch ch.Type {
		case domain.ChannelWebhook:
			err = s.sendWebhook(ctx, ch.Target, webhookAlertPayload(alert))
		case domain.ChannelSlack:
			err = s.sendWebhook(ctx, ch.Target, slackAlertPayload(alert))
		case domain.ChannelTeams:
			err = s.sendWebhook(ctx, ch.Target, teamsAlertPayload(alert))
		case domain.ChannelEmail:
			if s.mail == nil {
				s.logger.Warn("no mail sender configured", "rule", alert.Rule.Name, "target", ch.Target)
				continue
			}
			err = s.mail.SendAlertEmail(ctx, ch.Target, alert)
		default:
			s.logger.Warn("unsupported alert channel", "rule", alert.Rule.Name, "channel", ch.Type)
			continue
		}
		if err != nil {
			s.logger.Warn("delivering alert",
				"rule", alert.Rule.Name,
				"channel", ch.Type,
				"target", ch.Target,
				"error", err)
		}
	}
}

func (s *AudioAlertService) sendWebhook(ctx context.Context, url string, payload any) error {
	if s.webhook == nil {
		return errors.New("monitoring: no webhook sender configured")
	}
	return s.webhook.Send(ctx, url, alertEventType, payload)
}

func webhookAlertPayload(alert domain.TriggeredAlert) any {
	return map[string]any{
		"type":  alertEventType,
		"alert": alert,
	}
}

// slackAlertPayload builds a Slack incoming-webhook message with a colored
// attachment.
func slackAlertPayload(alert domain.TriggeredAlert) any {
	return map[string]any{
		"text": fmt.Sprintf("*%s*", alert.Rule.Name),
		"attachments": []map[string]any{{
			"color": severityColor(alert.Rule.Severity),
			"text":  alert.Message,
			"ts":    alert.TriggeredAt.Unix(),
			"fields": []map[string]any{
				{"title": "Severity", "value": string(alert.Rule.Severity), "short": true},
				{"title": "Metric", "value": string(alert.Rule.MetricType), "short": true},
				{"title": "Value", "value": fmt.Sprintf("%.3f", alert.MetricValue), "short": true},
				{"title": "Threshold", "value": fmt.Sprintf("%s %.3f", alert.Rule.Condition.Operator, alert.Rule.Condition.Threshold), "short": true},
			},
		}},
	}
}

// teamsAlertPayload builds a Teams MessageCard. Teams wants the theme color
// without the leading hash.
func teamsAlertPayload(alert domain.TriggeredAlert) any {
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    alert.Rule.Name,
		"themeColor": strings.TrimPrefix(severityColor(alert.Rule.Severity), "#"),
		"title":      fmt.Sprintf("%s (%s)", alert.Rule.Name, alert.Rule.Severity),
		"text":       alert.Message,
	}
}

func severityColor(sev domain.AlertSeverity) string {
	switch sev {
	case domain.SeverityCritical:
		return "#d00000"
	case domain.SeverityError:
		return "#e85d04"
	case domain.SeverityWarning:
		return "#ffba08"
	}
	return "#3a86ff"
}

// =============================================================================
// Lifecycle & history
// =============================================================================

// Acknowledge marks an unresolved alert as acknowledged.
func (s *AudioAlertService) Acknowledge(id, who, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.State == domain.AlertStateResolved {
		return fmt.Errorf("%w: %s", ErrAlertResolved, id)
	}
	now := s.clock.Now()
	alert.State = domain.AlertStateAcknowledged
	alert.AcknowledgedBy = who
	alert.AcknowledgedAt = &now
	alert.AckNotes = notes
	return nil
}

// Resolve closes out an alert.
func (s *AudioAlertService) Resolve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.State == domain.AlertStateResolved {
		return fmt.Errorf("%w: %s", ErrAlertResolved, id)
	}
	now := s.clock.Now()
	alert.State = domain.AlertStateResolved
	alert.ResolvedAt = &now
	return nil
}

// History returns triggered alerts, newest first. limit <= 0 returns the
// full retained history.
func (s *AudioAlertService) History(limit int) []domain.TriggeredAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.TriggeredAlert, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *s.history[i])
	}
	return out
}

// ActiveAlerts returns the unresolved alerts, newest first.
func (s *AudioAlertService) ActiveAlerts() []domain.TriggeredAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TriggeredAlert
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].State != domain.AlertStateResolved {
			out = append(out, *s.history[i])
		}
	}
	return out
}
