package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"eventgate/internal/breaker"
	"eventgate/internal/domain/deadletter"
	"eventgate/internal/domain/ledger"
	"eventgate/internal/metrics"
)

var (
	// ErrQueueFull is returned when the pending queue cannot absorb another
	// event; callers surface it as backpressure and may retry.
	ErrQueueFull = errors.New("writer queue full")
	// ErrStopped is returned once the flush loop has drained and exited.
	// Nothing would ever flush an entry accepted after that point.
	ErrStopped = errors.New("writer stopped")
)

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	FlushRetries  int
	RetryBackoff  time.Duration
	QueueCapacity int
}

// Batcher coalesces accepted events into bounded batches and commits each
// batch in one transaction. Batching is the primary latency lever: one
// round-trip amortized over the batch instead of one write per event.
type Batcher struct {
	cfg  Config
	sink ledger.Repository
	dlq  deadletter.Publisher
	brk  *breaker.Breaker
	log  *slog.Logger

	queue   chan *ledger.Entry
	stopped atomic.Bool
}

func New(cfg Config, sink ledger.Repository, dlq deadletter.Publisher, brk *breaker.Breaker, log *slog.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.FlushRetries < 0 {
		cfg.FlushRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{
		cfg:   cfg,
		sink:  sink,
		dlq:   dlq,
		brk:   brk,
		log:   log,
		queue: make(chan *ledger.Entry, cfg.QueueCapacity),
	}
}

// Enqueue accepts an event for the next batch. It fails fast while the
// circuit is open and when the queue is saturated; it never blocks on
// durable I/O.
func (b *Batcher) Enqueue(_ context.Context, entry *ledger.Entry) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if b.brk.State() == breaker.StateOpen {
		return breaker.ErrOpen
	}
	select {
	case b.queue <- entry:
		metrics.WriterQueueDepth.Set(float64(len(b.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run is the flush loop. It blocks until ctx is cancelled, then drains the
// queue with one final flush pass.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*ledger.Entry, 0, b.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			// Refuse new work before the final drain so nothing slips into
			// the queue after it empties.
			b.stopped.Store(true)
			b.drain(batch)
			return nil
		case entry := <-b.queue:
			batch = append(batch, entry)
			metrics.WriterQueueDepth.Set(float64(len(b.queue)))
			if len(batch) >= b.cfg.BatchSize {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush commits the batch as one unit. On failure the whole batch is
// retried; the sink's upsert by message_id makes a replayed batch safe.
// Exhausted batches move to the dead-letter path with full lineage.
func (b *Batcher) flush(batch []*ledger.Entry) {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= b.cfg.FlushRetries; attempt++ {
		if err := b.brk.Allow(); err != nil {
			lastErr = err
			time.Sleep(b.cfg.RetryBackoff)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := b.sink.UpsertBatch(ctx, batch)
		cancel()

		if err == nil {
			b.brk.RecordSuccess()
			metrics.FlushTotal.WithLabelValues("ok").Inc()
			metrics.FlushBatchSize.Observe(float64(len(batch)))
			metrics.ObserveStage(metrics.StageFlush, start)
			return
		}

		lastErr = err
		b.brk.RecordFailure()
		metrics.FlushTotal.WithLabelValues("error").Inc()
		b.log.Error("batch flush failed",
			"attempt", attempt+1,
			"batch_size", len(batch),
			"error", err)
		time.Sleep(b.cfg.RetryBackoff)
	}

	b.deadLetter(batch, lastErr)
}

func (b *Batcher) deadLetter(batch []*ledger.Entry, cause error) {
	reason := "flush retries exhausted"
	if cause != nil {
		reason = fmt.Sprintf("flush retries exhausted: %v", cause)
	}

	for _, e := range batch {
		letter := &deadletter.Letter{
			MessageID:  e.MessageID,
			EventType:  e.EventType,
			EntityKey:  e.EntityKey,
			Sequence:   e.Sequence,
			Payload:    e.Payload,
			RequestID:  e.RequestID,
			ReceivedAt: e.ReceivedAt,
			Reason:     reason,
			FailedAt:   time.Now().UTC(),
			Attempts:   b.cfg.FlushRetries + 1,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.dlq.Publish(ctx, letter)
		cancel()

		metrics.DeadLetters.Inc()
		if err != nil {
			b.log.Error("dead-letter publish failed",
				"message_id", e.MessageID,
				"request_id", e.RequestID,
				"entity_key", e.EntityKey,
				"error", err)
			continue
		}
		b.log.Warn("event dead-lettered",
			"message_id", e.MessageID,
			"request_id", e.RequestID,
			"entity_key", e.EntityKey,
			"event_type", e.EventType,
			"reason", reason)
	}
}

// drain empties the pending queue on shutdown so accepted events are not
// lost to a restart.
func (b *Batcher) drain(batch []*ledger.Entry) {
	for {
		select {
		case entry := <-b.queue:
			batch = append(batch, entry)
			if len(batch) >= b.cfg.BatchSize {
				b.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				b.flush(batch)
			}
			metrics.WriterQueueDepth.Set(0)
			return
		}
	}
}

// QueueDepth reports the number of events waiting for a flush.
func (b *Batcher) QueueDepth() int {
	return len(b.queue)
}
