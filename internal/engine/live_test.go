package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/safety"
	"pyramid-trading/internal/store"
	"pyramid-trading/internal/strategy"
)

type fakeStream struct {
	ticks  chan core.Tick
	errs   chan error
	mu     sync.Mutex
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ticks: make(chan core.Tick), errs: make(chan error, 1)}
}

func (s *fakeStream) Ticks(context.Context) (<-chan core.Tick, <-chan error) {
	return s.ticks, s.errs
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []store.RuntimeStatus
}

func (r *statusRecorder) SaveRuntimeStatus(status store.RuntimeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *statusRecorder) last() store.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

func (r *statusRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s.State)
	}
	return out
}

type alertRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *alertRecorder) Important(event string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *alertRecorder) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func liveTick(price string) core.Tick {
	return core.Tick{
		Symbol: "SPY",
		Time:   time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
		Price:  decimal.RequireFromString(price),
		Source: "test",
	}
}

func sendTick(t *testing.T, s *fakeStream, tick core.Tick) {
	t.Helper()
	select {
	case s.ticks <- tick:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not receive tick %s", tick.Price)
	}
}

func TestLiveRunnerReconnectsAndKeepsState(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	streams := make(chan *fakeStream, 2)
	streams <- first
	streams <- second

	engine := newEngine("SPY")
	sold := make(chan strategy.SellTriggered, 1)
	engine.AddSink(strategy.SinkFunc(func(events []strategy.Event) {
		for _, ev := range events {
			if s, ok := ev.(strategy.SellTriggered); ok {
				sold <- s
			}
		}
	}))

	status := &statusRecorder{}
	alerts := &alertRecorder{}
	var rejected int
	var mu sync.Mutex
	runner := &LiveRunner{
		Dial: func(context.Context) (TickStream, error) {
			select {
			case s := <-streams:
				return s, nil
			default:
				return nil, errors.New("no more streams")
			}
		},
		Engine:     engine,
		Symbol:     "SPY",
		Mode:       "live",
		InstanceID: "test",
		Backoff:    10 * time.Millisecond,
		Status:     status,
		Alerts:     alerts,
		Breaker:    safety.NewBreaker(true, 5, 5),
		OnTick: func(_ core.Tick, err error) {
			if err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	sendTick(t, first, liveTick("0"))
	sendTick(t, first, liveTick("200.00"))
	sendTick(t, first, liveTick("199.00"))
	sendTick(t, first, liveTick("182.89"))
	first.errs <- errors.New("connection reset")

	sendTick(t, second, liveTick("219.07"))
	select {
	case s := <-sold:
		if s.Level != 1 || s.UnitsSold != 13 || s.UnitsKept != 3 {
			t.Fatalf("sell = %+v, want level 1 13 sold 3 kept", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no sell after reconnect")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}

	mu.Lock()
	if rejected != 1 {
		t.Fatalf("rejected ticks = %d, want 1", rejected)
	}
	mu.Unlock()
	for _, event := range []string{"runner_started", "feed_disconnected", "feed_reconnected"} {
		if !alerts.has(event) {
			t.Fatalf("missing alert %s, got %v", event, alerts.events)
		}
	}
	states := status.states()
	if states[0] != "starting" {
		t.Fatalf("first state = %s, want starting", states[0])
	}
	sawDegraded := false
	for _, s := range states {
		if s == "degraded" {
			sawDegraded = true
		}
	}
	if !sawDegraded {
		t.Fatalf("states = %v, want a degraded entry", states)
	}
	final := status.last()
	if final.State != "stopped" || final.LastError != "" {
		t.Fatalf("final status = %+v, want clean stop", final)
	}
	if final.Highest != "219.07" || final.LastPrice != "219.07" || final.AnchorLevel != 5 || final.ActivePositions != 1 {
		t.Fatalf("final status = %+v, want highest 219.07 anchor 5 one position", final)
	}
	if !first.closed || !second.closed {
		t.Fatalf("streams not closed: first=%v second=%v", first.closed, second.closed)
	}
}

type failingLoader struct{}

func (failingLoader) ListActivePositions(context.Context, string) ([]core.Position, error) {
	return nil, errors.New("database unavailable")
}

func TestLiveRunnerStopsWhenInitializationFails(t *testing.T) {
	stream := newFakeStream()
	engine := newEngine("SPY")
	engine.SetLoader(failingLoader{})
	alerts := &alertRecorder{}
	runner := &LiveRunner{
		Dial:   func(context.Context) (TickStream, error) { return stream, nil },
		Engine: engine,
		Symbol: "SPY",
		Alerts: alerts,
	}

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()
	sendTick(t, stream, liveTick("200.00"))

	select {
	case err := <-done:
		if !errors.Is(err, ErrFatalLocal) {
			t.Fatalf("Run() error = %v, want ErrFatalLocal", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop")
	}
	if !alerts.has("runner_stopped") {
		t.Fatalf("missing runner_stopped alert, got %v", alerts.events)
	}
}

func TestLiveRunnerReturnsBreakerTrip(t *testing.T) {
	breaker := safety.NewBreaker(true, 5, 2)
	breaker.SetRecovery(time.Hour, 1)
	runner := &LiveRunner{
		Dial: func(context.Context) (TickStream, error) {
			return nil, errors.New("dial refused")
		},
		Engine:  newEngine("SPY"),
		Symbol:  "SPY",
		Backoff: time.Millisecond,
		Breaker: breaker,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := runner.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline while the reconnect circuit is open", err)
	}
	if breaker.AllowReconnect() == nil {
		t.Fatalf("reconnect circuit should be open")
	}
}

func TestNextBackoffCapsAtThirtySeconds(t *testing.T) {
	cur := time.Second
	for i := 0; i < 10; i++ {
		cur = nextBackoff(cur)
	}
	if cur != 30*time.Second {
		t.Fatalf("backoff = %s, want 30s", cur)
	}
}
