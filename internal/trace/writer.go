package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// writerMaxBatchTraces bounds how many trace records share a transaction.
	writerMaxBatchTraces = 16
	// writerMaxBatchEvents bounds the event rows of one batch. A record that
	// alone exceeds it is written on its own.
	writerMaxBatchEvents = 200_000
)

var ErrWriterStopped = errors.New("trace writer is stopped")

// WriterDiagnostics is a point-in-time view of the write pipeline.
type WriterDiagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	BatchesFlushedTotal     int64            `json:"batches_flushed_total"`
	EventsWrittenTotal      int64            `json:"events_written_total"`
	WriteDroppedTotal       int64            `json:"write_dropped_total"`
	LastWriteDropAt         *time.Time       `json:"last_write_drop_at,omitempty"`
	LastWriteDropOperation  string           `json:"last_write_drop_operation,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// WriteFailure describes trace records that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	TraceIDs    []string
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous write failure signals.
type WriteFailureHandler func(WriteFailure)

// WriterMetrics holds optional callbacks invoked along the pipeline.
type WriterMetrics struct {
	// OnEnqueue fires for every accepted record.
	OnEnqueue func()
	// OnDrop fires when a record is refused because the queue is full or
	// the caller gave up waiting for space.
	OnDrop func()
	// OnFlush fires after each batch with its record count.
	OnFlush func(batchSize int, duration time.Duration)
	// OnWriteStart fires before each batch and returns the function called
	// with the batch outcome.
	OnWriteStart func(batchSize int) func(error)
}

// Writer persists parsed traces on a background goroutine. Records are
// grouped into batches bounded by both record count and event rows so that
// one transaction never carries an unbounded event table.
type Writer struct {
	store TraceStore
	queue chan *Trace

	maxBatchTraces int
	maxBatchEvents int

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	// sendMu keeps senders off the queue while Shutdown closes it.
	sendMu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	onFailure atomic.Pointer[WriteFailureHandler]
	metrics   atomic.Pointer[WriterMetrics]

	stats writerStats
}

type writerStats struct {
	highWatermark atomic.Int64
	accepted      atomic.Int64
	dropped       atomic.Int64
	batches       atomic.Int64
	events        atomic.Int64
	writeDropped  atomic.Int64
	lastDropNanos atomic.Int64
	lastDropOp    atomic.Pointer[string]

	mu      sync.Mutex
	byClass map[string]int64
}

// NewWriter returns a stopped writer with room for bufferSize queued
// records. Call Start to begin flushing.
func NewWriter(store TraceStore, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	writer := &Writer{
		store:          store,
		queue:          make(chan *Trace, bufferSize),
		maxBatchTraces: writerMaxBatchTraces,
		maxBatchEvents: writerMaxBatchEvents,
		done:           make(chan struct{}),
	}
	writer.stats.byClass = make(map[string]int64)
	writer.metrics.Store(&WriterMetrics{})
	return writer
}

// SetWriteFailureHandler replaces the callback used for write failures.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		w.onFailure.Store(nil)
		return
	}
	w.onFailure.Store(&handler)
}

// SetMetrics replaces the metric callbacks used by the pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

// QueueLen returns the number of records waiting in the queue.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

// Start launches the flush loop. A nil or already cancelled ctx is replaced
// by a background context so queued records are still written.
func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	go w.run(runCtx)
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch, more := w.collect(ctx, first)
			if !more {
				// The final flush must not inherit a cancelled context.
				w.flush(context.Background(), batch)
				return
			}
			w.flush(ctx, batch)
		}
	}
}

// collect gathers records already waiting behind first without blocking.
// It reports false once the queue is closed or ctx is done.
func (w *Writer) collect(ctx context.Context, first *Trace) ([]*Trace, bool) {
	batch := make([]*Trace, 0, w.maxBatchTraces)
	events := 0
	if first != nil {
		batch = append(batch, first)
		events = len(first.Events)
	}
	for len(batch) < w.maxBatchTraces && events < w.maxBatchEvents {
		select {
		case <-ctx.Done():
			return batch, false
		case next, ok := <-w.queue:
			if !ok {
				return batch, false
			}
			if next == nil {
				continue
			}
			batch = append(batch, next)
			events += len(next.Events)
		default:
			return batch, true
		}
	}
	return batch, true
}

// Enqueue offers t without blocking. It reports false when the queue is
// full or the writer is stopped.
func (w *Writer) Enqueue(t *Trace) bool {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.stopped.Load() {
		return false
	}
	select {
	case w.queue <- t:
		w.accepted()
		return true
	default:
		w.refused(cap(w.queue))
		return false
	}
}

// EnqueueContext waits for queue space until ctx is done. A record given up
// on is counted as dropped.
func (w *Writer) EnqueueContext(ctx context.Context, t *Trace) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.stopped.Load() {
		return ErrWriterStopped
	}
	select {
	case w.queue <- t:
		w.accepted()
		return nil
	case <-ctx.Done():
		w.refused(len(w.queue))
		return ctx.Err()
	}
}

func (w *Writer) accepted() {
	w.stats.accepted.Add(1)
	w.observeQueueDepth(len(w.queue))
	if m := w.metrics.Load(); m.OnEnqueue != nil {
		m.OnEnqueue()
	}
}

func (w *Writer) refused(depth int) {
	w.stats.dropped.Add(1)
	w.observeQueueDepth(depth)
	if m := w.metrics.Load(); m.OnDrop != nil {
		m.OnDrop()
	}
}

// Stop is Shutdown without a deadline.
func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown closes the queue and waits until queued records are flushed or
// ctx is done. On timeout the in-flight write is cancelled; a later call
// waits for the loop to exit.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.stopOnce.Do(func() {
		w.sendMu.Lock()
		w.stopped.Store(true)
		close(w.queue)
		w.sendMu.Unlock()
		if !w.started.Load() {
			close(w.done)
		}
	})

	select {
	case <-w.done:
		w.cancelRun()
		return nil
	case <-ctx.Done():
		w.cancelRun()
		return ctx.Err()
	}
}

func (w *Writer) cancelRun() {
	w.cancelMu.Lock()
	cancel := w.cancel
	w.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Diagnostics returns a snapshot of queue pressure and write counters.
func (w *Writer) Diagnostics() WriterDiagnostics {
	if w == nil {
		return WriterDiagnostics{}
	}
	depth := len(w.queue)
	snapshot := WriterDiagnostics{
		QueueCapacity:           cap(w.queue),
		QueueDepth:              depth,
		QueueDepthHighWatermark: max(depth, int(w.stats.highWatermark.Load())),
		EnqueueAcceptedTotal:    w.stats.accepted.Load(),
		EnqueueDroppedTotal:     w.stats.dropped.Load(),
		BatchesFlushedTotal:     w.stats.batches.Load(),
		EventsWrittenTotal:      w.stats.events.Load(),
		WriteDroppedTotal:       w.stats.writeDropped.Load(),
	}
	if ts := w.stats.lastDropNanos.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}
	if op := w.stats.lastDropOp.Load(); op != nil {
		snapshot.LastWriteDropOperation = *op
	}

	w.stats.mu.Lock()
	if len(w.stats.byClass) > 0 {
		snapshot.WriteFailuresByClass = make(map[string]int64, len(w.stats.byClass))
		for class, count := range w.stats.byClass {
			snapshot.WriteFailuresByClass[class] = count
		}
	}
	w.stats.mu.Unlock()
	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	value := int64(depth)
	for {
		current := w.stats.highWatermark.Load()
		if value <= current || w.stats.highWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

// flush writes batch in one transaction. When that fails, every record is
// retried alone so one bad trace does not take its neighbours down.
func (w *Writer) flush(ctx context.Context, batch []*Trace) {
	if len(batch) == 0 {
		return
	}
	metrics := w.metrics.Load()
	start := time.Now()
	var endWrite func(error)
	if metrics.OnWriteStart != nil {
		endWrite = metrics.OnWriteStart(len(batch))
	}

	failure := w.write(ctx, batch)
	if failure != nil {
		w.reportWriteFailure(*failure)
	}

	w.stats.batches.Add(1)
	if endWrite != nil {
		var err error
		if failure != nil {
			err = failure.Err
		}
		endWrite(err)
	}
	if metrics.OnFlush != nil {
		metrics.OnFlush(len(batch), time.Since(start))
	}
}

func (w *Writer) write(ctx context.Context, batch []*Trace) *WriteFailure {
	if len(batch) == 1 {
		if err := w.store.WriteTrace(ctx, batch[0]); err != nil {
			return &WriteFailure{
				Operation:   "write_trace",
				BatchSize:   1,
				FailedCount: 1,
				TraceIDs:    []string{batch[0].ID},
				Err:         err,
			}
		}
		w.stats.events.Add(int64(len(batch[0].Events)))
		return nil
	}

	batchErr := w.store.WriteBatch(ctx, batch)
	if batchErr == nil {
		for _, record := range batch {
			w.stats.events.Add(int64(len(record.Events)))
		}
		return nil
	}

	var (
		failedIDs []string
		firstErr  error
	)
	for _, record := range batch {
		if err := w.store.WriteTrace(ctx, record); err != nil {
			failedIDs = append(failedIDs, record.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.stats.events.Add(int64(len(record.Events)))
	}
	if len(failedIDs) == 0 {
		return nil
	}
	return &WriteFailure{
		Operation:   "write_batch_fallback",
		BatchSize:   len(batch),
		FailedCount: len(failedIDs),
		TraceIDs:    failedIDs,
		Err:         errors.Join(batchErr, firstErr),
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.stats.writeDropped.Add(int64(failure.FailedCount))
	w.stats.lastDropNanos.Store(time.Now().UTC().UnixNano())
	if failure.Operation != "" {
		op := failure.Operation
		w.stats.lastDropOp.Store(&op)
	}
	w.stats.mu.Lock()
	w.stats.byClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.stats.mu.Unlock()

	if handler := w.onFailure.Load(); handler != nil && *handler != nil {
		(*handler)(failure)
	}
}
