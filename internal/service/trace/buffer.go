// Package trace provides the span ingestion pipeline: an in-memory buffer
// that decouples span production from persistence and flushes batches to
// the trace store on size or time triggers.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/storage"
	"github.com/clearstone-ai/clearstone/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered spans to prevent
// OOM under sustained overload. Add never blocks producers; spans past
// capacity are dropped and counted instead.
const maxBufferCapacity = 100_000

// Buffer accumulates completed spans in memory and flushes them to the
// store when either the batch size or the flush interval is reached,
// whichever comes first. Exactly one background goroutine per Buffer
// performs flushes.
type Buffer struct {
	store         storage.TraceStore
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	mu    sync.Mutex
	spans []model.Span

	droppedSpans atomic.Int64 // total spans dropped due to capacity
	stopped      atomic.Bool  // intake closed; Add becomes a no-op
	started      atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a span buffer writing to store.
func NewBuffer(store storage.TraceStore, logger *slog.Logger, batchSize int, flushInterval time.Duration) *Buffer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Buffer{
		store:         store,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Idempotent; call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("trace: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Add enqueues a completed span. It never blocks beyond the mutex: when
// the buffer is at capacity the span is dropped and counted, and after
// Drain has been called Add is a no-op.
func (b *Buffer) Add(span model.Span) {
	if b.stopped.Load() {
		return
	}

	b.mu.Lock()
	if len(b.spans) >= maxBufferCapacity {
		b.mu.Unlock()
		b.droppedSpans.Add(1)
		b.logger.Error("trace: dropping span, buffer at capacity",
			"span_id", span.SpanID, "trace_id", span.TraceID)
		return
	}
	b.spans = append(b.spans, span)
	full := len(b.spans) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// ctx itself is already done; the drain context carries the
			// caller's deadline.
			finalCtx := b.drainCtx
			if finalCtx == nil {
				var cancel context.CancelFunc
				finalCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.flushAll(finalCtx)
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// flush drains up to batchSize spans and writes them in one store call.
// An empty drain is a no-op. On write failure the batch is put back for
// retry, respecting the capacity limit.
func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.spans) == 0 {
		b.mu.Unlock()
		return
	}
	n := min(len(b.spans), b.batchSize)
	batch := b.spans[:n:n]
	b.spans = append([]model.Span(nil), b.spans[n:]...)
	remaining := len(b.spans)
	b.mu.Unlock()

	start := time.Now()
	err := b.store.WriteSpans(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("trace: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.spans)+len(batch) <= maxBufferCapacity {
			b.spans = append(batch, b.spans...)
		} else {
			b.droppedSpans.Add(int64(len(batch)))
			b.logger.Error("trace: dropping spans, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Info("trace: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)

	// More than a full batch may have accumulated during the write.
	if remaining >= b.batchSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// flushAll drains the buffer completely, batch by batch. Used by the
// final flush and by Flush. Stops early if a write fails to avoid
// spinning on a dead store.
func (b *Buffer) flushAll(ctx context.Context) {
	for {
		b.mu.Lock()
		empty := len(b.spans) == 0
		b.mu.Unlock()
		if empty {
			return
		}
		before := b.Len()
		b.flush(ctx)
		if b.Len() >= before {
			return // write failed and the batch was put back
		}
	}
}

// Flush synchronously writes out everything currently buffered.
func (b *Buffer) Flush(ctx context.Context) {
	b.flushAll(ctx)
}

// Drain closes intake, signals the background loop to stop, and waits for
// its final flush to complete. No span observed before Drain is lost
// unless the store write fails. ctx bounds the wait and is passed to the
// final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.stopped.Store(true)
	if !b.started.Load() {
		// No flush loop to wait for; write out whatever accumulated.
		b.flushAll(ctx)
		return
	}
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("trace: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health.
// Called from Start() after the global meter provider is initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("clearstone/buffer")

	_, _ = meter.Int64ObservableGauge("clearstone.buffer.depth",
		metric.WithDescription("Current number of spans in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("clearstone.buffer.dropped_total",
		metric.WithDescription("Total spans dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedSpans())
			return nil
		}),
	)
}

// Len returns the current number of buffered spans.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spans)
}

// DroppedSpans returns the total number of spans dropped due to capacity
// exhaustion. A non-zero value indicates data loss.
func (b *Buffer) DroppedSpans() int64 {
	return b.droppedSpans.Load()
}
