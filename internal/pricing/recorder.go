package pricing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

const (
	usageQueueSize  = 1000
	usageWriteTimeout = 10 * time.Second
)

const (
	queryInsertUsage = `
		INSERT INTO usage_records (id, virtual_key_id, request_id, model, provider_id,
			operation, usage, cost_usd, latency_ms, success, error_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	queryVirtualKeySpend = `
		SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		WHERE virtual_key_id = $1 AND created_at >= $2`
)

// Recorder is the virtual-key spend ledger. Completed operations enqueue a
// usage row; a single writer drains the queue so billing writes never sit on
// the request path.
type Recorder struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	mu     sync.Mutex
	closed bool
	queue  chan *domain.UsageRecord
	wg     sync.WaitGroup
}

func NewRecorder(db *sql.DB, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Recorder{
		db:      db,
		logger:  logger.With("component", "usage_recorder"),
		metrics: metrics,
		clock:   clock,
		queue:   make(chan *domain.UsageRecord, usageQueueSize),
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// Record writes one ledger row synchronously.
func (r *Recorder) Record(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now().UTC()
	}
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("encoding usage: %w", err)
	}

	_, err = r.db.ExecContext(ctx, queryInsertUsage,
		rec.ID, rec.VirtualKeyID, rec.RequestID, rec.Model, rec.ProviderID,
		rec.Operation, usageJSON, rec.CostUSD, rec.LatencyMs, rec.Success,
		rec.ErrorCode, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}

	if r.metrics != nil {
		r.metrics.RecordCost(rec.Model, rec.ProviderID, rec.Operation, rec.CostUSD)
	}
	return nil
}

// RecordAsync enqueues a ledger row for the background writer. A full queue
// drops the row with a warning rather than stalling the caller.
func (r *Recorder) RecordAsync(rec *domain.UsageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("usage recorder closed, dropping record", "virtual_key_id", rec.VirtualKeyID, "model", rec.Model)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("usage queue full, dropping record", "virtual_key_id", rec.VirtualKeyID, "model", rec.Model)
	}
}

// VirtualKeySpend sums the key's ledger since the given time.
func (r *Recorder) VirtualKeySpend(ctx context.Context, virtualKeyID string, since time.Time) (float64, error) {
	var spend float64
	if err := r.db.QueryRowContext(ctx, queryVirtualKeySpend, virtualKeyID, since).Scan(&spend); err != nil {
		return 0, fmt.Errorf("summing spend: %w", err)
	}
	return spend, nil
}

// Close stops accepting rows and flushes the queue.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
		if err := r.Record(ctx, rec); err != nil {
			r.logger.Error("recording usage", "virtual_key_id", rec.VirtualKeyID, "model", rec.Model, "error", err)
		}
		cancel()
	}
}
