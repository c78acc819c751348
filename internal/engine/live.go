package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pyramid-trading/internal/alert"
	"pyramid-trading/internal/core"
	"pyramid-trading/internal/feed"
	"pyramid-trading/internal/safety"
	"pyramid-trading/internal/store"
	"pyramid-trading/internal/strategy"
)

// ErrFatalLocal stops the runner without reconnecting.
var ErrFatalLocal = errors.New("fatal local error")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// TickStream is one live connection to a price source.
type TickStream interface {
	Ticks(ctx context.Context) (<-chan core.Tick, <-chan error)
	Close() error
}

type Dialer func(ctx context.Context) (TickStream, error)

type StatusWriter interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

// WSDialer opens a websocket ticker stream per connection attempt.
func WSDialer(cfg feed.WSConfig, logger *zap.Logger) Dialer {
	return func(ctx context.Context) (TickStream, error) {
		return feed.DialWS(ctx, cfg, logger)
	}
}

type LiveRunner struct {
	Dial       Dialer
	Engine     *strategy.Pyramid
	Symbol     string
	Mode       string
	InstanceID string
	// InitialHighest seeds the ladder; zero means the first valid tick's price.
	InitialHighest decimal.Decimal
	Window         feed.Window
	Heartbeat      time.Duration
	// StatusInterval rewrites the runtime status while connected. Zero writes it on state changes only.
	StatusInterval time.Duration
	// Backoff is the first reconnect delay; it doubles up to 30s. Zero means 1s.
	Backoff    time.Duration
	Status     StatusWriter
	Breaker    *safety.Breaker
	Alerts     alert.Alerter
	Logger     *zap.Logger
	OnTick     func(tick core.Tick, err error)
	OnSnapshot func(s strategy.Snapshot)

	now func() time.Time
}

func (r *LiveRunner) Run(ctx context.Context) (runErr error) {
	if r.Dial == nil || r.Engine == nil {
		return errors.New("live runner needs a dialer and an engine")
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	firstBackoff := r.Backoff
	if firstBackoff <= 0 {
		firstBackoff = initialBackoff
	}
	backoff := firstBackoff
	reconnectAttempts := 0
	disconnectStartedAt := time.Time{}
	startedAt := r.now().UTC()

	r.persistRuntimeStatus("starting", startedAt, reconnectAttempts, disconnectStartedAt, nil)
	r.alertImportant("runner_started", map[string]string{"instance_id": r.InstanceID})
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistRuntimeStatus("stopped", startedAt, reconnectAttempts, disconnectStartedAt, err)
	}()

	for {
		reconnect := reconnectAttempts > 0
		if reconnect && r.Breaker != nil {
			if allowErr := r.Breaker.AllowReconnect(); allowErr != nil {
				r.persistRuntimeStatus("degraded", startedAt, reconnectAttempts, disconnectStartedAt, allowErr)
				wait := time.Second
				if rem := r.Breaker.ReconnectCooldownRemaining(); rem > wait {
					wait = rem
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					runErr = ctx.Err()
					return runErr
				}
				continue
			}
		}
		r.persistRuntimeStatus("running", startedAt, reconnectAttempts, disconnectStartedAt, nil)
		err := r.runOnce(ctx, reconnect, &reconnectAttempts, &disconnectStartedAt, &backoff, firstBackoff, startedAt)
		if err == nil {
			runErr = nil
			return nil
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			return runErr
		}
		if errors.Is(err, ErrFatalLocal) {
			r.Logger.Error("runner stopped", zap.String("event", "runner_stopped"), zap.Error(err))
			r.alertImportant("runner_stopped", map[string]string{"reason": err.Error()})
			runErr = err
			return runErr
		}
		if disconnectStartedAt.IsZero() {
			disconnectStartedAt = r.now().UTC()
			r.alertImportant("feed_disconnected", map[string]string{"reason": err.Error()})
		}
		nextAttempts := reconnectAttempts + 1
		r.persistRuntimeStatus("degraded", startedAt, nextAttempts, disconnectStartedAt, err)
		r.Logger.Warn("feed disconnected",
			zap.String("event", "feed_disconnected"),
			zap.Int("reconnect_attempts", nextAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		var trip error
		if r.Breaker != nil {
			trip = r.Breaker.RecordReconnect(err)
		}
		if trip != nil && !errors.Is(trip, safety.ErrCircuitOpen) {
			reconnectAttempts = nextAttempts
			runErr = trip
			return runErr
		}
		reconnectAttempts = nextAttempts
		wait := backoff
		if trip != nil && r.Breaker != nil {
			if rem := r.Breaker.ReconnectCooldownRemaining(); rem > wait {
				wait = rem
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			runErr = ctx.Err()
			return runErr
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur < maxBackoff {
		cur *= 2
		if cur > maxBackoff {
			cur = maxBackoff
		}
	}
	return cur
}

func (r *LiveRunner) runOnce(ctx context.Context, reconnect bool, reconnectAttempts *int, disconnectStartedAt *time.Time, backoff *time.Duration, firstBackoff time.Duration, startedAt time.Time) error {
	stream, err := r.Dial(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	if reconnect && !disconnectStartedAt.IsZero() {
		down := r.now().Sub(*disconnectStartedAt).Round(time.Second)
		r.alertImportant("feed_reconnected", map[string]string{
			"reconnect_attempts": strconv.Itoa(*reconnectAttempts),
			"down_duration":      down.String(),
		})
		*disconnectStartedAt = time.Time{}
		*reconnectAttempts = 0
		*backoff = firstBackoff
		r.persistRuntimeStatus("running", startedAt, 0, time.Time{}, nil)
	}
	r.Breaker.ResetReconnect()

	ticks, errs := stream.Ticks(ctx)
	var heartbeat, statusTick <-chan time.Time
	if r.Heartbeat > 0 {
		ticker := time.NewTicker(r.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	if r.StatusInterval > 0 {
		ticker := time.NewTicker(r.StatusInterval)
		defer ticker.Stop()
		statusTick = ticker.C
	}
	for {
		select {
		case tick, ok := <-ticks:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("feed closed")
			}
			if err := r.handleTick(ctx, tick); err != nil {
				return err
			}
		case err := <-errs:
			if err != nil {
				return err
			}
		case <-heartbeat:
			snap := r.Engine.Snapshot()
			fields := []zap.Field{
				zap.String("event", "heartbeat"),
				zap.Int("anchor_level", snap.AnchorLevel),
				zap.Int("active_positions", len(snap.Positions)),
			}
			if snap.LastPrice != nil {
				fields = append(fields, zap.String("last_price", snap.LastPrice.StringFixed(2)))
			}
			r.Logger.Info("heartbeat", fields...)
		case <-statusTick:
			r.persistRuntimeStatus("running", startedAt, *reconnectAttempts, *disconnectStartedAt, nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *LiveRunner) handleTick(ctx context.Context, tick core.Tick) error {
	if err := feed.Validate(tick, r.now(), r.Window); err != nil {
		r.observed(tick, err)
		r.Logger.Warn("tick rejected",
			zap.String("event", "tick_rejected"),
			zap.String("price", tick.Price.String()),
			zap.Time("tick_time", tick.Time),
			zap.Error(err),
		)
		return nil
	}
	if !r.Engine.Snapshot().Initialized {
		highest := r.InitialHighest
		if !highest.IsPositive() {
			highest = tick.Price
		}
		if err := r.Engine.Initialize(ctx, highest); err != nil {
			return fmt.Errorf("%w: initialize engine: %v", ErrFatalLocal, err)
		}
	}
	_, err := r.Engine.Observe(tick.Price)
	r.observed(tick, err)
	if err != nil {
		r.Logger.Warn("observation rejected",
			zap.String("event", "observation_rejected"),
			zap.Error(err),
		)
	}
	return nil
}

func (r *LiveRunner) observed(tick core.Tick, err error) {
	if r.OnTick != nil {
		r.OnTick(tick, err)
	}
}

func (r *LiveRunner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *LiveRunner) persistRuntimeStatus(state string, startedAt time.Time, reconnectAttempts int, disconnectStartedAt time.Time, lastErr error) {
	snap := r.Engine.Snapshot()
	if r.OnSnapshot != nil {
		r.OnSnapshot(snap)
	}
	if r.Status == nil {
		return
	}
	mode := r.Mode
	if mode == "" {
		mode = "live"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	status := store.RuntimeStatus{
		Mode:              mode,
		Symbol:            r.Symbol,
		InstanceID:        instanceID,
		PID:               os.Getpid(),
		State:             state,
		StartedAt:         startedAt,
		UpdatedAt:         r.now().UTC(),
		AnchorLevel:       snap.AnchorLevel,
		ActivePositions:   len(snap.Positions),
		ReconnectAttempts: reconnectAttempts,
	}
	if snap.Initialized {
		status.Highest = snap.Highest.StringFixed(2)
	}
	if snap.LastPrice != nil {
		status.LastPrice = snap.LastPrice.StringFixed(2)
	}
	if !disconnectStartedAt.IsZero() {
		t := disconnectStartedAt
		status.DisconnectedAt = &t
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Status.SaveRuntimeStatus(status); err != nil {
		r.Logger.Warn("runtime status not written",
			zap.String("event", "runtime_status_write_failed"),
			zap.Error(err),
		)
	}
}
