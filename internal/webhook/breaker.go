package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/config"
	"omnigate/internal/telemetry"
)

// ErrCircuitOpen is returned by Allow while an endpoint's circuit is open.
var ErrCircuitOpen = errors.New("webhook: circuit open")

const (
	// openSnapshotTTL bounds how long a locally cached open verdict is
	// trusted before redis is consulted again.
	openSnapshotTTL = time.Second

	// probeTTL is how long a half-open probe token reserves the single
	// probe slot before an unreported outcome releases it.
	probeTTL = time.Minute
)

func cbKey(kind, url string) string {
	return "webhook:cb:" + kind + ":" + url
}

// Breaker is the per-URL circuit breaker for webhook endpoints. State lives
// in redis so every gateway instance sees the same circuit; open verdicts are
// snapshotted locally for a second to keep the hot path off the network.
//
// Failures accumulate under a counter that resets after a quiet period. When
// the counter reaches the threshold the circuit opens for the configured
// duration, after which exactly one probe is admitted; its outcome closes or
// re-opens the circuit.
type Breaker struct {
	client  *redis.Client
	cfg     config.WebhooksConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	// url -> time.Time; until then the circuit is known open.
	openUntil sync.Map
}

// NewBreaker creates the breaker.
func NewBreaker(cfg config.WebhooksConfig, client *redis.Client, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration.Duration <= 0 {
		cfg.OpenDuration = config.Duration{Duration: 5 * time.Minute}
	}
	if cfg.CounterResetDuration.Duration <= 0 {
		cfg.CounterResetDuration = config.Duration{Duration: 15 * time.Minute}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "webhook_breaker"),
		metrics: metrics,
		clock:   clock,
	}
}

// Allow reports whether a delivery to the URL may proceed. While the circuit
// is open it returns ErrCircuitOpen. Once the open window has elapsed exactly
// one caller wins the probe slot; the rest stay rejected until the probe's
// outcome is recorded. Backend errors fail open.
func (b *Breaker) Allow(ctx context.Context, url string) error {
	now := b.clock.Now()
	if until, ok := b.openUntil.Load(url); ok {
		if now.Before(until.(time.Time)) {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, url)
		}
		b.openUntil.Delete(url)
	}

	open, err := b.client.Exists(ctx, cbKey("open", url)).Result()
	if err != nil {
		b.logger.Warn("breaker state unavailable, failing open", "url", url, "error", err)
		return nil
	}
	if open > 0 {
		b.openUntil.Store(url, now.Add(openSnapshotTTL))
		return fmt.Errorf("%w: %s", ErrCircuitOpen, url)
	}

	// Not open. A leftover failure count at the threshold means the open
	// window just expired: the circuit is half-open and admits one probe.
	count, err := b.failureCount(ctx, url)
	if err != nil {
		b.logger.Warn("breaker counter unavailable, failing open", "url", url, "error", err)
		return nil
	}
	if count < int64(b.cfg.FailureThreshold) {
		return nil
	}

	won, err := b.client.SetNX(ctx, cbKey("probe", url), strconv.FormatInt(now.Unix(), 10), probeTTL).Result()
	if err != nil {
		b.logger.Warn("probe reservation unavailable, failing open", "url", url, "error", err)
		return nil
	}
	if !won {
		return fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, url)
	}
	b.logger.Info("webhook circuit half-open, admitting probe", "url", url)
	return nil
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess(ctx context.Context, url string) {
	b.openUntil.Delete(url)
	if _, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cbKey("failures", url), cbKey("open", url), cbKey("probe", url))
		pipe.Set(ctx, cbKey("success", url), b.clock.Now().UTC().Format(time.RFC3339Nano), b.cfg.CounterResetDuration.Duration)
		return nil
	}); err != nil {
		b.logger.Warn("recording breaker success", "url", url, "error", err)
	}
}

// RecordFailure bumps the failure counter and opens the circuit at the
// threshold. A failed half-open probe re-opens immediately.
func (b *Breaker) RecordFailure(ctx context.Context, url string) {
	now := b.clock.Now()

	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, cbKey("failures", url))
	pipe.Expire(ctx, cbKey("failures", url), b.cfg.CounterResetDuration.Duration)
	pipe.Set(ctx, cbKey("lastfail", url), now.UTC().Format(time.RFC3339Nano), b.cfg.CounterResetDuration.Duration)
	pipe.Del(ctx, cbKey("probe", url))
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("recording breaker failure", "url", url, "error", err)
		return
	}

	if incr.Val() < int64(b.cfg.FailureThreshold) {
		return
	}

	opened, err := b.client.SetNX(ctx, cbKey("open", url), now.UTC().Format(time.RFC3339Nano), b.cfg.OpenDuration.Duration).Result()
	if err != nil {
		b.logger.Warn("opening breaker", "url", url, "error", err)
		return
	}
	b.openUntil.Store(url, now.Add(openSnapshotTTL))
	if opened {
		reason := "threshold"
		if incr.Val() > int64(b.cfg.FailureThreshold) {
			reason = "probe_failed"
		}
		if b.metrics != nil {
			b.metrics.RecordWebhookCircuitOpen(reason)
		}
		b.logger.Warn("webhook circuit opened",
			"url", url,
			"failures", incr.Val(),
			"open_for", b.cfg.OpenDuration.Duration)
	}
}

// FailureCount returns the current failure counter for an endpoint.
func (b *Breaker) FailureCount(ctx context.Context, url string) (int64, error) {
	return b.failureCount(ctx, url)
}

func (b *Breaker) failureCount(ctx context.Context, url string) (int64, error) {
	val, err := b.client.Get(ctx, cbKey("failures", url)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
