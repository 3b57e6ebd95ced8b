package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// Batch writer defaults.
const (
	DefaultBatchSize         = 5000
	DefaultFlushInterval     = 2 * time.Second
	DefaultRetryInterval     = 5 * time.Second
	DefaultMaxRetries        = 5
	DefaultMaxBufferedPoints = 100000
	DefaultWriteTimeout      = 10 * time.Second
	defaultCloseTimeout      = 10 * time.Second
)

// Sink is the storage the writer flushes to. *influxdb.Client satisfies it.
type Sink interface {
	WritePoints(ctx context.Context, points []telemetry.Point) error
}

// DeadLetter receives batches the writer gave up on.
type DeadLetter interface {
	Store(ctx context.Context, batch []telemetry.Point, cause error) error
}

// BatchConfig holds batch writer settings. Zero values select the defaults.
type BatchConfig struct {
	// BatchSize seals the buffer once it holds this many points. Default: 5000.
	BatchSize int

	// FlushInterval seals whatever is buffered on every tick. Default: 2s.
	FlushInterval time.Duration

	// RetryInterval is the pause between write attempts. Default: 5s.
	RetryInterval time.Duration

	// MaxRetries is the total number of attempts per batch. Default: 5.
	MaxRetries int

	// MaxBufferedPoints bounds the points held across the active buffer,
	// sealed batches and the batch being written. The oldest queued points are
	// dropped beyond it. Default: 100000.
	MaxBufferedPoints int

	// WriteTimeout bounds a single write request. Default: 10s.
	WriteTimeout time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxBufferedPoints <= 0 {
		c.MaxBufferedPoints = DefaultMaxBufferedPoints
	}
	if c.MaxBufferedPoints < c.BatchSize {
		c.MaxBufferedPoints = c.BatchSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// BatchWriter buffers points and writes them to a Sink in batches.
//
// Add appends to the active buffer under a mutex. When the buffer reaches
// BatchSize, or on every FlushInterval tick, it is swapped out and queued as
// a sealed batch. A single worker goroutine writes sealed batches in order,
// so only one write is ever in flight. A failed write is retried every
// RetryInterval up to MaxRetries attempts, then the batch is dropped and
// handed to the DeadLetter if one is set.
//
// Thread Safety: All methods are safe for concurrent use.
type BatchWriter struct {
	sink       Sink
	cfg        BatchConfig
	metrics    *metrics.Metrics
	deadLetter DeadLetter

	mu          sync.Mutex
	buf         []telemetry.Point
	queue       [][]telemetry.Point
	queued      int
	inflight    int
	dropped     int
	lastDropLog time.Time
	closed      bool

	wake     chan struct{}
	flushReq chan chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBatchWriter creates a writer and starts its flush worker.
//
// Parameters:
//   - sink: Storage to write to
//   - cfg: Batch settings
//   - m: Optional metrics, may be nil
//
// Returns:
//   - *BatchWriter: Running writer; call Close to flush and stop it
func NewBatchWriter(sink Sink, cfg BatchConfig, m *metrics.Metrics) *BatchWriter {
	ctx, cancel := context.WithCancel(context.Background())
	w := &BatchWriter{
		sink:     sink,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   nopLogger{},
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// SetDeadLetter sets the store for batches that exhaust their retries.
func (w *BatchWriter) SetDeadLetter(dl DeadLetter) {
	w.mu.Lock()
	w.deadLetter = dl
	w.mu.Unlock()
}

// SetLogger sets the logger for flush events.
func (w *BatchWriter) SetLogger(logger Logger) {
	w.loggerMu.Lock()
	defer w.loggerMu.Unlock()
	if logger == nil {
		logger = nopLogger{}
	}
	w.logger = logger
}

func (w *BatchWriter) getLogger() Logger {
	w.loggerMu.RLock()
	defer w.loggerMu.RUnlock()
	return w.logger
}

// Add buffers points. It never blocks on storage.
func (w *BatchWriter) Add(points []telemetry.Point) {
	if len(points) == 0 {
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.metrics.PointsDropped(metrics.DropQueueFull, len(points))
		return
	}

	w.buf = append(w.buf, points...)
	w.enforceBoundLocked()
	sealed := false
	if len(w.buf) >= w.cfg.BatchSize {
		w.sealLocked()
		sealed = true
	}
	w.metrics.SetBufferedPoints(w.heldLocked())
	w.mu.Unlock()

	if sealed {
		w.signal()
	}
}

// Buffered returns the number of points held by the writer, including a
// batch whose write is in progress.
func (w *BatchWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heldLocked()
}

// Flush seals the buffer and waits until every sealed batch has been
// written or dropped.
//
// Returns:
//   - error: Joined errors of batches dropped during this flush,
//     ErrWriterClosed after Close, or ctx.Err()
func (w *BatchWriter) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushReq <- reply:
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker and makes one write attempt for every remaining
// batch. Retry waits in progress are interrupted. Safe to call twice.
//
// Returns:
//   - error: Joined errors of the batches that could not be written
func (w *BatchWriter) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		w.cancel()
		close(w.done)
		w.wg.Wait()

		err = w.finalFlush()
	})
	return err
}

// ============================================================================
// Worker
// ============================================================================

func (w *BatchWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.sealLocked()
			w.mu.Unlock()
			w.drain()
		case <-w.wake:
			w.drain()
		case reply := <-w.flushReq:
			w.mu.Lock()
			w.sealLocked()
			w.mu.Unlock()
			reply <- w.drain()
		}
	}
}

// drain writes sealed batches until the queue is empty or the writer is
// closing. It returns the joined errors of dropped batches.
func (w *BatchWriter) drain() error {
	var errs []error
	for {
		batch, ok := w.pop()
		if !ok {
			return errors.Join(errs...)
		}
		err := w.writeWithRetry(batch)
		if err != nil && w.ctx.Err() != nil {
			// Interrupted by Close; finalFlush takes it from here.
			w.pushFront(batch)
			return errors.Join(errs...)
		}
		w.release()
		if err != nil {
			errs = append(errs, err)
		}
	}
}

func (w *BatchWriter) writeWithRetry(batch []telemetry.Point) error {
	log := w.getLogger()

	for attempt := 1; ; attempt++ {
		err := w.write(w.ctx, batch)
		if err == nil {
			return nil
		}
		if w.ctx.Err() != nil {
			return err
		}

		if attempt >= w.cfg.MaxRetries {
			log.Error("dropping batch after exhausting retries",
				"points", len(batch),
				"attempts", attempt,
				"error", err,
			)
			w.giveUp(w.ctx, batch, err)
			return fmt.Errorf("batch of %d points dropped after %d attempts: %w", len(batch), attempt, err)
		}

		log.Warn("batch write failed, retrying",
			"points", len(batch),
			"attempt", attempt,
			"max_attempts", w.cfg.MaxRetries,
			"retry_in", w.cfg.RetryInterval.String(),
			"error", err,
		)

		t := time.NewTimer(w.cfg.RetryInterval)
		select {
		case <-w.ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// write performs one attempt.
func (w *BatchWriter) write(ctx context.Context, batch []telemetry.Point) error {
	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := w.sink.WritePoints(wctx, batch); err != nil {
		w.metrics.FlushFailed()
		return err
	}
	w.metrics.ObserveFlush(time.Since(start).Seconds())
	w.metrics.PointsWritten(len(batch))
	return nil
}

// giveUp counts the batch as lost and offers it to the dead-letter store.
func (w *BatchWriter) giveUp(ctx context.Context, batch []telemetry.Point, cause error) {
	w.metrics.PointsDropped(metrics.DropExhausted, len(batch))

	w.mu.Lock()
	dl := w.deadLetter
	w.mu.Unlock()
	if dl == nil {
		return
	}

	if err := dl.Store(ctx, batch, cause); err != nil {
		w.getLogger().Error("dead-letter store failed", "points", len(batch), "error", err)
		return
	}
	w.metrics.DeadLettered(len(batch))
}

func (w *BatchWriter) finalFlush() error {
	w.mu.Lock()
	w.sealLocked()
	batches := w.queue
	w.queue = nil
	w.queued = 0
	w.metrics.SetBufferedPoints(0)
	w.mu.Unlock()

	if len(batches) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()

	var errs []error
	for _, b := range batches {
		if err := w.write(ctx, b); err != nil {
			w.getLogger().Error("final flush failed, dropping batch", "points", len(b), "error", err)
			w.giveUp(ctx, b, err)
			errs = append(errs, fmt.Errorf("final flush of %d points: %w", len(b), err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Buffer management
// ============================================================================

// sealLocked moves the active buffer onto the queue in BatchSize chunks.
func (w *BatchWriter) sealLocked() {
	for len(w.buf) > 0 {
		n := min(len(w.buf), w.cfg.BatchSize)
		batch := w.buf[:n:n]
		w.queue = append(w.queue, batch)
		w.queued += n
		w.buf = w.buf[n:]
	}
	// Release the old backing array; new points start a fresh one.
	w.buf = nil
}

// enforceBoundLocked drops the oldest points until the bound holds.
func (w *BatchWriter) enforceBoundLocked() {
	// The in-flight batch is never dropped. It is at most BatchSize points,
	// which never exceeds the bound, so the queue and buffer always cover
	// the excess.
	excess := w.heldLocked() - w.cfg.MaxBufferedPoints
	if excess <= 0 {
		return
	}
	total := excess

	for excess > 0 && len(w.queue) > 0 {
		head := w.queue[0]
		if len(head) <= excess {
			w.queue = w.queue[1:]
			w.queued -= len(head)
			excess -= len(head)
			continue
		}
		w.queue[0] = head[excess:]
		w.queued -= excess
		excess = 0
	}
	if excess > 0 {
		w.buf = w.buf[excess:]
	}

	w.metrics.PointsDropped(metrics.DropOverflow, total)
	w.dropped += total

	now := time.Now()
	if now.Sub(w.lastDropLog) >= w.cfg.FlushInterval {
		w.getLogger().Warn("batch buffer full, dropped oldest points",
			"dropped", w.dropped,
			"limit", w.cfg.MaxBufferedPoints,
		)
		w.dropped = 0
		w.lastDropLog = now
	}
}

func (w *BatchWriter) pop() ([]telemetry.Point, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	b := w.queue[0]
	w.queue = w.queue[1:]
	w.queued -= len(b)
	w.inflight = len(b)
	return b, true
}

// release marks the in-flight batch as written or dropped.
func (w *BatchWriter) release() {
	w.mu.Lock()
	w.inflight = 0
	w.metrics.SetBufferedPoints(w.heldLocked())
	w.mu.Unlock()
}

func (w *BatchWriter) pushFront(b []telemetry.Point) {
	w.mu.Lock()
	w.queue = append([][]telemetry.Point{b}, w.queue...)
	w.queued += len(b)
	w.inflight = 0
	w.mu.Unlock()
}

func (w *BatchWriter) heldLocked() int {
	return len(w.buf) + w.queued + w.inflight
}

func (w *BatchWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
