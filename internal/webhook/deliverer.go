package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"omnigate/internal/telemetry"
)

const defaultEventType = "webhook.delivery"

// Deliverer posts one batch of deliveries to their endpoint. It is the
// production BatchSink: every delivery is checked against the tracker first
// (duplicates are skipped), gated by the per-URL circuit breaker, posted
// through the notifier, and its outcome fed back into breaker and tracker.
//
// A non-nil error from PublishBatch means at least one delivery did not go
// out; the publisher re-enqueues the whole group and the tracker keeps the
// delivered members from being posted again.
type Deliverer struct {
	notifier *Notifier
	breaker  *Breaker
	tracker  *Tracker
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewDeliverer creates the delivery sink. breaker and tracker may be nil,
// which disables circuit breaking and deduplication respectively.
func NewDeliverer(notifier *Notifier, breaker *Breaker, tracker *Tracker, logger *slog.Logger, metrics *telemetry.Metrics) *Deliverer {
	return &Deliverer{
		notifier: notifier,
		breaker:  breaker,
		tracker:  tracker,
		logger:   logger.With("component", "webhook_deliverer"),
		metrics:  metrics,
	}
}

// PublishBatch delivers the group in order.
func (d *Deliverer) PublishBatch(ctx context.Context, partitionKey string, batch []Delivery) error {
	failed := 0
	for _, del := range batch {
		if err := d.deliver(ctx, del); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("webhook: %d of %d deliveries failed for partition %s", failed, len(batch), partitionKey)
	}
	return nil
}

func (d *Deliverer) deliver(ctx context.Context, del Delivery) error {
	if d.tracker != nil {
		done, err := d.tracker.IsDelivered(ctx, del.DeliveryKey)
		if err != nil {
			d.logger.Warn("delivery dedup check failed", "delivery_key", del.DeliveryKey, "error", err)
		} else if done {
			d.record("duplicate")
			return nil
		}
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(ctx, del.URL); err != nil {
			d.record("circuit_open")
			return err
		}
	}

	err := d.notifier.Post(ctx, del.URL, eventTypeFor(del), del.Payload, del.Headers)
	if err != nil {
		if d.breaker != nil {
			d.breaker.RecordFailure(ctx, del.URL)
		}
		if d.tracker != nil {
			if terr := d.tracker.RecordFailure(ctx, del.URL, err); terr != nil {
				d.logger.Warn("recording delivery failure", "url", del.URL, "error", terr)
			}
		}
		if errors.Is(err, ErrDeliveryTimeout) {
			d.record("timeout")
		} else {
			d.record("failed")
		}
		d.logger.Warn("webhook delivery failed",
			"delivery_key", del.DeliveryKey, "url", del.URL, "attempt", del.AttemptCount+1, "error", err)
		return err
	}

	if d.breaker != nil {
		d.breaker.RecordSuccess(ctx, del.URL)
	}
	if d.tracker != nil {
		if _, err := d.tracker.MarkDelivered(ctx, del.DeliveryKey, del.URL); err != nil {
			d.logger.Warn("marking delivery", "delivery_key", del.DeliveryKey, "error", err)
		}
	}
	d.record("delivered")
	return nil
}

func (d *Deliverer) record(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(outcome)
	}
}

// eventTypeFor picks the X-Webhook-Type value: an explicit header on the
// delivery wins, otherwise the generic type is used.
func eventTypeFor(del Delivery) string {
	if t, ok := del.Headers[headerWebhookType]; ok && t != "" {
		return t
	}
	return defaultEventType
}
