package alert

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pyramid-trading/internal/strategy"
)

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Alerter receives operational events from the runner and the circuit breaker.
type Alerter interface {
	Important(event string, fields map[string]string)
}

// DecisionAlerter receives trading decisions from the engine.
type DecisionAlerter interface {
	Decision(ev strategy.Event)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *zap.Logger
}

// Manager stamps alerts with mode, symbol and time and delivers them on one worker
// goroutine. Enqueueing never blocks; overflow is counted and summarised in the log.
type Manager struct {
	mode     string
	symbol   string
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	pending chan Alert
	quit    chan struct{}
	stopped chan struct{}
	every   time.Duration

	dropped       atomic.Uint64
	droppedWindow atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewManager(mode, symbol string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, symbol, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

// NewManagerWithOptions returns nil when notifier is nil; a nil Manager accepts and
// discards every call.
func NewManagerWithOptions(mode, symbol string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultAlertQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		mode:     mode,
		symbol:   symbol,
		notifier: notifier,
		logger:   opts.Logger,
		now:      time.Now,
		pending:  make(chan Alert, opts.QueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		every:    max(opts.DropReportInterval, 0),
	}
	go m.run()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	m.enqueue(operational(event, fields))
}

func (m *Manager) Decision(ev strategy.Event) {
	if m == nil || ev == nil {
		return
	}
	m.enqueue(decision(ev))
}

func (m *Manager) enqueue(a Alert) {
	a.Mode, a.Symbol, a.At = m.mode, m.symbol, m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.pending <- a:
		return
	default:
	}
	total := m.dropped.Add(1)
	if m.droppedWindow.Add(1) == 1 {
		m.logger.Warn("alert dropped",
			zap.String("event", "alert_queue_dropped"),
			zap.String("target_event", a.Event),
			zap.String("reason", "queue_full"),
			zap.Uint64("dropped_total", total),
			zap.Int("queue_cap", cap(m.pending)),
		)
	}
}

// Close stops intake, delivers what is already queued and waits for the worker.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	m.mu.Unlock()

	select {
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.stopped)
	var tick <-chan time.Time
	if m.every > 0 {
		ticker := time.NewTicker(m.every)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case a := <-m.pending:
			m.deliver(a)
		case <-tick:
			m.reportDrops()
		case <-m.quit:
			for {
				select {
				case a := <-m.pending:
					m.deliver(a)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, a); err != nil {
		m.logger.Error("alert delivery failed",
			zap.String("event", "alert_notify_failed"),
			zap.String("target_event", a.Event),
			zap.String("severity", a.Severity.String()),
			zap.Error(err),
		)
	}
}

func (m *Manager) reportDrops() {
	n := m.droppedWindow.Swap(0)
	if n == 0 {
		return
	}
	m.logger.Warn("alerts dropped",
		zap.String("event", "alert_queue_dropped_report"),
		zap.Uint64("dropped_since_last", n),
		zap.Uint64("dropped_total", m.dropped.Load()),
		zap.Duration("report_interval", m.every),
		zap.Int("queue_len", len(m.pending)),
	)
}

func (m *Manager) droppedStats() (total, window uint64) {
	if m == nil {
		return 0, 0
	}
	return m.dropped.Load(), m.droppedWindow.Load()
}

var (
	_ Alerter         = (*Manager)(nil)
	_ DecisionAlerter = (*Manager)(nil)
)
