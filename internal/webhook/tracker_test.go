package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("first mark wins, repeats are duplicates", func(t *testing.T) {
		_, client := newTestRedis(t)
		tr := NewTracker(client, clockwork.NewFakeClock())

		fresh, err := tr.MarkDelivered(ctx, "d1", "https://example.com/hook")
		if err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
		if !fresh {
			t.Error("first mark should be fresh")
		}

		fresh, err = tr.MarkDelivered(ctx, "d1", "https://example.com/hook")
		if err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
		if fresh {
			t.Error("second mark should not be fresh")
		}

		delivered, err := tr.IsDelivered(ctx, "d1")
		if err != nil {
			t.Fatalf("IsDelivered: %v", err)
		}
		if !delivered {
			t.Error("d1 should be delivered")
		}
	})

	t.Run("delivery key expires after its window", func(t *testing.T) {
		mr, client := newTestRedis(t)
		tr := NewTracker(client, clockwork.NewFakeClock())

		if _, err := tr.MarkDelivered(ctx, "d2", "https://example.com/hook"); err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}

		mr.FastForward(24*time.Hour + time.Minute)

		delivered, err := tr.IsDelivered(ctx, "d2")
		if err != nil {
			t.Fatalf("IsDelivered: %v", err)
		}
		if delivered {
			t.Error("d2 should have expired")
		}

		fresh, err := tr.MarkDelivered(ctx, "d2", "https://example.com/hook")
		if err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
		if !fresh {
			t.Error("mark after expiry should be fresh again")
		}
	})

	t.Run("per-URL statistics accumulate", func(t *testing.T) {
		_, client := newTestRedis(t)
		clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
		tr := NewTracker(client, clock)
		url := "https://example.com/hook"

		tr.MarkDelivered(ctx, "a", url)
		tr.MarkDelivered(ctx, "b", url)
		tr.MarkDelivered(ctx, "b", url) // duplicate, must not count
		tr.RecordFailure(ctx, url, context.DeadlineExceeded)

		stats, err := tr.Stats(ctx, url)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Delivered != 2 {
			t.Errorf("Delivered = %d, want 2", stats.Delivered)
		}
		if stats.Failed != 1 {
			t.Errorf("Failed = %d, want 1", stats.Failed)
		}
		if stats.LastDelivery == nil || !stats.LastDelivery.Equal(clock.Now()) {
			t.Errorf("LastDelivery = %v", stats.LastDelivery)
		}
		if stats.LastError != context.DeadlineExceeded.Error() {
			t.Errorf("LastError = %q", stats.LastError)
		}
	})
}
