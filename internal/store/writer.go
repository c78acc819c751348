package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWriterQueueSize    = 1024
	defaultWriteTimeout       = 10 * time.Second
	defaultDropReportInterval = time.Minute
)

type WriterOptions struct {
	QueueSize          int
	WriteTimeout       time.Duration
	DropReportInterval time.Duration
	Logger             *zap.Logger
	// OnResult observes each applied mutation. It runs on the writer goroutine.
	OnResult func(m Mutation, err error)
}

// AsyncWriter applies mutations on a single goroutine in enqueue order. A full queue
// drops the mutation with a warning instead of blocking the caller.
type AsyncWriter struct {
	store    PositionStore
	queue    chan Mutation
	stop     chan struct{}
	done     chan struct{}
	timeout  time.Duration
	logger   *zap.Logger
	onResult func(m Mutation, err error)

	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	failedTotal          uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewAsyncWriter(s PositionStore, opts WriterOptions) *AsyncWriter {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultWriterQueueSize
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	reportInterval := opts.DropReportInterval
	if reportInterval == 0 {
		reportInterval = defaultDropReportInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &AsyncWriter{
		store:              s,
		queue:              make(chan Mutation, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		timeout:            timeout,
		logger:             logger,
		onResult:           opts.OnResult,
		dropReportInterval: reportInterval,
	}
	w.wg.Add(1)
	go w.loop()
	if w.dropReportInterval > 0 {
		w.wg.Add(1)
		go w.dropReportLoop()
	}
	go func() {
		w.wg.Wait()
		close(w.done)
	}()
	return w
}

func (w *AsyncWriter) Enqueue(mutations ...Mutation) {
	if w == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	for _, m := range mutations {
		select {
		case w.queue <- m:
		default:
			total := atomic.AddUint64(&w.droppedTotal, 1)
			if atomic.AddUint64(&w.droppedSinceReported, 1) == 1 {
				w.logger.Warn("mutation dropped",
					zap.String("event", "store_queue_dropped"),
					zap.String("kind", string(m.Kind)),
					zap.String("subject", m.Subject()),
					zap.Uint64("dropped_total", total),
					zap.Int("queue_cap", cap(w.queue)),
				)
			}
		}
	}
}

// Close drains queued mutations and stops the worker.
func (w *AsyncWriter) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stop)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AsyncWriter) Stats() (dropped, failed uint64) {
	return atomic.LoadUint64(&w.droppedTotal), atomic.LoadUint64(&w.failedTotal)
}

func (w *AsyncWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case m := <-w.queue:
			w.apply(m)
		case <-w.stop:
			for {
				select {
				case m := <-w.queue:
					w.apply(m)
				default:
					w.reportDropped()
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) apply(m Mutation) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	err := Apply(ctx, w.store, m)
	if err != nil {
		atomic.AddUint64(&w.failedTotal, 1)
		w.logger.Error("mutation not persisted",
			zap.String("event", "store_write_failed"),
			zap.String("kind", string(m.Kind)),
			zap.String("subject", m.Subject()),
			zap.Error(err),
		)
	}
	if w.onResult != nil {
		w.onResult(m, err)
	}
}

func (w *AsyncWriter) dropReportLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.reportDropped()
		case <-w.stop:
			return
		}
	}
}

func (w *AsyncWriter) reportDropped() {
	dropped := atomic.SwapUint64(&w.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	w.logger.Warn("mutations dropped since last report",
		zap.String("event", "store_queue_dropped_report"),
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&w.droppedTotal)),
		zap.Int("queue_len", len(w.queue)),
	)
}
