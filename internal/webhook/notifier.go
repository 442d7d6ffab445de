// Package webhook delivers gateway events to tenant-registered HTTP
// endpoints. Deliveries flow through a batching publisher that groups them by
// partition key, a per-URL circuit breaker backed by redis, and a
// deduplicating tracker that makes at-least-once delivery converge to
// at-most-one successful post per delivery key.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrDeliveryTimeout marks a post that ran out of time, as opposed to one the
// endpoint rejected. Callers treat the two differently: a timeout says
// nothing about whether the endpoint processed the payload.
var ErrDeliveryTimeout = errors.New("webhook: delivery timed out")

// StatusError is returned when the endpoint answered with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: %s answered %d", e.URL, e.StatusCode)
}

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 512

	headerWebhookType      = "X-Webhook-Type"
	headerWebhookTimestamp = "X-Webhook-Timestamp"
)

// Notifier posts JSON payloads to webhook endpoints.
type Notifier struct {
	httpc   *http.Client
	timeout time.Duration
	logger  *slog.Logger
	clock   clockwork.Clock
}

// NewNotifier creates a notifier. timeout <= 0 selects the 30s default.
func NewNotifier(timeout time.Duration, logger *slog.Logger, clock clockwork.Clock) *Notifier {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Notifier{
		httpc:   &http.Client{},
		timeout: timeout,
		logger:  logger.With("component", "webhook_notifier"),
		clock:   clock,
	}
}

// Send marshals the payload and posts it with the default timeout.
func (n *Notifier) Send(ctx context.Context, url, eventType string, payload any) error {
	return n.SendWithTimeout(ctx, url, eventType, payload, n.timeout)
}

// SendWithTimeout posts the payload with a caller-chosen timeout.
func (n *Notifier) SendWithTimeout(ctx context.Context, url, eventType string, payload any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	return n.post(ctx, url, eventType, body, nil, timeout)
}

// Post sends a pre-encoded JSON body with optional extra headers. The
// standard webhook headers are always set; extra headers cannot override
// them.
func (n *Notifier) Post(ctx context.Context, url, eventType string, body []byte, headers map[string]string) error {
	return n.post(ctx, url, eventType, body, headers, n.timeout)
}

func (n *Notifier) post(ctx context.Context, url, eventType string, body []byte, headers map[string]string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = n.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerWebhookType, eventType)
	req.Header.Set(headerWebhookTimestamp, n.clock.Now().UTC().Format(time.RFC3339))

	resp, err := n.httpc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s after %s", ErrDeliveryTimeout, url, timeout)
		}
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
