package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"omnigate/internal/config"
	"omnigate/internal/events"
	"omnigate/internal/telemetry"
)

// ErrQueueFull is returned by Enqueue when the delivery queue is at capacity.
var ErrQueueFull = errors.New("webhook: delivery queue full")

// maxDeliveryAttempts caps how often a failing delivery is re-enqueued
// before it is dropped.
const maxDeliveryAttempts = 5

// Delivery is one queued webhook delivery with its attempt bookkeeping.
type Delivery struct {
	events.WebhookDeliveryRequested
	AttemptCount int
}

// BatchSink receives the grouped batches the publisher produces. Deliverer
// is the production sink.
type BatchSink interface {
	PublishBatch(ctx context.Context, partitionKey string, batch []Delivery) error
}

// PublisherStats is a snapshot of the publisher's counters.
type PublisherStats struct {
	TotalBatches   int64 `json:"total_batches"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalRequeued  int64 `json:"total_requeued"`
	TotalDropped   int64 `json:"total_dropped"`
	QueueDepth     int   `json:"queue_depth"`
}

// Publisher batches webhook deliveries. Enqueue returns immediately; worker
// goroutines drain the queue, flushing a batch when it reaches max_batch_size
// or when max_batch_delay elapses, whichever comes first. Each flush groups
// its deliveries by partition key with stable order inside a group. A group
// whose sink publish fails is re-enqueued whole; the delivery tracker keeps
// the already-delivered members from being posted twice.
type Publisher struct {
	cfg     config.WebhooksConfig
	sink    BatchSink
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	queue chan Delivery

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	totalBatches   atomic.Int64
	totalDelivered atomic.Int64
	totalRequeued  atomic.Int64
	totalDropped   atomic.Int64
}

// NewPublisher creates the batching publisher. Call Start to launch the
// consumers.
func NewPublisher(cfg config.WebhooksConfig, sink BatchSink, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Publisher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxBatchDelay.Duration <= 0 {
		cfg.MaxBatchDelay = config.Duration{Duration: 100 * time.Millisecond}
	}
	if cfg.ConcurrentPublishers <= 0 {
		cfg.ConcurrentPublishers = 3
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "webhook_publisher"),
		metrics: metrics,
		clock:   clock,
		queue:   make(chan Delivery, cfg.QueueCapacity),
	}
}

// Start launches the consumer goroutines.
func (p *Publisher) Start() {
	for i := 0; i < p.cfg.ConcurrentPublishers; i++ {
		p.wg.Add(1)
		go p.consume()
	}
	p.logger.Info("webhook publisher started",
		"consumers", p.cfg.ConcurrentPublishers,
		"max_batch_size", p.cfg.MaxBatchSize,
		"max_batch_delay", p.cfg.MaxBatchDelay.Duration)
}

// Attach subscribes the publisher to WebhookDeliveryRequested events on the
// bus. The returned function removes the subscription.
func (p *Publisher) Attach(bus events.Bus) func() {
	return bus.Subscribe(events.TypeWebhookDeliveryRequested, func(ctx context.Context, env events.Envelope) {
		ev, ok := env.Event.(events.WebhookDeliveryRequested)
		if !ok {
			p.logger.Warn("unexpected payload on webhook subscription", "event_id", env.ID)
			return
		}
		if err := p.Enqueue(ev); err != nil {
			p.logger.Error("enqueueing webhook delivery",
				"delivery_key", ev.DeliveryKey, "url", ev.URL, "error", err)
		}
	})
}

// Enqueue adds one delivery to the queue without blocking.
func (p *Publisher) Enqueue(ev events.WebhookDeliveryRequested) error {
	return p.enqueue(Delivery{WebhookDeliveryRequested: ev})
}

func (p *Publisher) enqueue(d Delivery) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueFull
	}
	select {
	case p.queue <- d:
		if p.metrics != nil {
			p.metrics.SetWebhookQueueDepth(len(p.queue))
		}
		return nil
	default:
		p.totalDropped.Add(1)
		return ErrQueueFull
	}
}

// Close stops intake, drains the queued deliveries, and waits for the
// consumers to finish.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Stats returns the current counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		TotalBatches:   p.totalBatches.Load(),
		TotalDelivered: p.totalDelivered.Load(),
		TotalRequeued:  p.totalRequeued.Load(),
		TotalDropped:   p.totalDropped.Load(),
		QueueDepth:     len(p.queue),
	}
}

// consume runs one worker: pull a delivery, gather its batch, flush.
func (p *Publisher) consume() {
	defer p.wg.Done()
	for first := range p.queue {
		p.flush(p.gather(first))
	}
}

// gather fills a batch starting from the first delivery until the batch is
// full, the delay elapses, or the queue closes.
func (p *Publisher) gather(first Delivery) []Delivery {
	batch := make([]Delivery, 1, p.cfg.MaxBatchSize)
	batch[0] = first

	timer := p.clock.NewTimer(p.cfg.MaxBatchDelay.Duration)
	defer timer.Stop()

	for len(batch) < p.cfg.MaxBatchSize {
		select {
		case d, ok := <-p.queue:
			if !ok {
				return batch
			}
			batch = append(batch, d)
		case <-timer.Chan():
			return batch
		}
	}
	return batch
}

// flush groups the batch by partition key and hands each group to the sink.
func (p *Publisher) flush(batch []Delivery) {
	if p.metrics != nil {
		p.metrics.SetWebhookQueueDepth(len(p.queue))
	}

	// Each post carries its own request timeout; the breaker keeps a dead
	// endpoint from pinning a worker for the whole group.
	groups := lo.GroupBy(batch, func(d Delivery) string { return d.PartitionKey })
	for key, group := range groups {
		err := p.sink.PublishBatch(context.Background(), key, group)

		p.totalBatches.Add(1)
		if err == nil {
			p.totalDelivered.Add(int64(len(group)))
			if p.metrics != nil {
				p.metrics.RecordWebhookBatch("published", len(group))
			}
			continue
		}

		p.logger.Warn("webhook batch failed, re-enqueueing",
			"partition_key", key, "size", len(group), "error", err)
		if p.metrics != nil {
			p.metrics.RecordWebhookBatch("requeued", len(group))
		}
		p.requeue(group)
	}
}

// requeue puts a failed group back on the queue, dropping deliveries that
// exhausted their attempts.
func (p *Publisher) requeue(group []Delivery) {
	for _, d := range group {
		d.AttemptCount++
		if d.AttemptCount >= maxDeliveryAttempts {
			p.totalDropped.Add(1)
			p.logger.Error("dropping webhook delivery after repeated failures",
				"delivery_key", d.DeliveryKey, "url", d.URL, "attempts", d.AttemptCount)
			continue
		}
		if err := p.enqueue(d); err != nil {
			p.logger.Error("re-enqueueing webhook delivery",
				"delivery_key", d.DeliveryKey, "url", d.URL, "error", err)
			continue
		}
		p.totalRequeued.Add(1)
	}
}
