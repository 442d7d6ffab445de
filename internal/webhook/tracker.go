package webhook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	deliveredTTL = 24 * time.Hour
	statsTTL     = 30 * 24 * time.Hour
)

func deliveredKey(deliveryKey string) string {
	return "webhook:delivered:" + deliveryKey
}

func statsKey(url string) string {
	return "webhook:stats:" + url
}

// URLStats is the per-endpoint delivery rollup.
type URLStats struct {
	URL          string     `json:"url"`
	Delivered    int64      `json:"delivered"`
	Failed       int64      `json:"failed"`
	LastDelivery *time.Time `json:"last_delivery,omitempty"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Tracker deduplicates webhook deliveries. A delivery key that was posted
// successfully inside the last 24 hours is not posted again; per-URL
// statistics are retained for 30 days.
type Tracker struct {
	client *redis.Client
	clock  clockwork.Clock
}

// NewTracker creates a delivery tracker over redis.
func NewTracker(client *redis.Client, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{client: client, clock: clock}
}

// IsDelivered reports whether the delivery key succeeded inside its window.
func (t *Tracker) IsDelivered(ctx context.Context, deliveryKey string) (bool, error) {
	n, err := t.client.Exists(ctx, deliveredKey(deliveryKey)).Result()
	if err != nil {
		return false, fmt.Errorf("checking delivery key: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered records a successful delivery. The first caller inside the
// window wins and gets true; concurrent or repeated marks get false. The
// per-URL success counter moves either way only for the winner.
func (t *Tracker) MarkDelivered(ctx context.Context, deliveryKey, url string) (bool, error) {
	stamp := t.clock.Now().UTC().Format(time.RFC3339Nano)
	fresh, err := t.client.SetNX(ctx, deliveredKey(deliveryKey), url, deliveredTTL).Result()
	if err != nil {
		return false, fmt.Errorf("marking delivery: %w", err)
	}
	if !fresh {
		return false, nil
	}
	if _, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := statsKey(url)
		pipe.HIncrBy(ctx, key, "delivered", 1)
		pipe.HSet(ctx, key, "last_delivery", stamp)
		pipe.Expire(ctx, key, statsTTL)
		return nil
	}); err != nil {
		return true, fmt.Errorf("updating delivery stats: %w", err)
	}
	return true, nil
}

// RecordFailure updates the per-URL failure counters.
func (t *Tracker) RecordFailure(ctx context.Context, url string, deliveryErr error) error {
	stamp := t.clock.Now().UTC().Format(time.RFC3339Nano)
	msg := ""
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}
	if _, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := statsKey(url)
		pipe.HIncrBy(ctx, key, "failed", 1)
		pipe.HSet(ctx, key, "last_failure", stamp, "last_error", msg)
		pipe.Expire(ctx, key, statsTTL)
		return nil
	}); err != nil {
		return fmt.Errorf("updating failure stats: %w", err)
	}
	return nil
}

// Stats returns the rollup for one endpoint.
func (t *Tracker) Stats(ctx context.Context, url string) (*URLStats, error) {
	fields, err := t.client.HGetAll(ctx, statsKey(url)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading delivery stats: %w", err)
	}
	stats := &URLStats{URL: url}
	for field, value := range fields {
		switch field {
		case "delivered":
			stats.Delivered, _ = strconv.ParseInt(value, 10, 64)
		case "failed":
			stats.Failed, _ = strconv.ParseInt(value, 10, 64)
		case "last_delivery":
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				stats.LastDelivery = &ts
			}
		case "last_failure":
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				stats.LastFailure = &ts
			}
		case "last_error":
			stats.LastError = value
		}
	}
	return stats, nil
}
