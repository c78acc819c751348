package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"pyramid-trading/internal/alert"
	"pyramid-trading/internal/core"
	"pyramid-trading/internal/store"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPersist   = "persist"
	actionReconnect = "reconnect"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type circuit struct {
	name            string
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker trips after consecutive failures of store writes or feed reconnects. An open
// circuit fails fast until its cooldown passes, then admits trial calls.
type Breaker struct {
	enabled bool

	mu        sync.Mutex
	persist   circuit
	reconnect circuit

	cooldown          time.Duration
	halfOpenSuccesses int
	now               func() time.Time

	alerter alert.Alerter
	logger  *zap.Logger
}

func NewBreaker(enabled bool, maxPersistFailures, maxReconnectFailures int) *Breaker {
	return &Breaker{
		enabled:           enabled,
		persist:           circuit{name: actionPersist, maxFailures: maxPersistFailures, state: circuitClosed},
		reconnect:         circuit{name: actionReconnect, maxFailures: maxReconnectFailures, state: circuitClosed},
		cooldown:          defaultCooldown,
		halfOpenSuccesses: defaultHalfOpenSuccesses,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            zap.NewNop(),
	}
}

func (b *Breaker) SetRecovery(cooldown time.Duration, halfOpenSuccesses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if halfOpenSuccesses < 1 {
		halfOpenSuccesses = defaultHalfOpenSuccesses
	}
	b.cooldown = cooldown
	b.halfOpenSuccesses = halfOpenSuccesses
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) SetLogger(logger *zap.Logger) {
	if b == nil || logger == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

func (b *Breaker) RecordPersist(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.persist, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.reconnect, err)
}

func (b *Breaker) AllowPersist() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.persist)
}

func (b *Breaker) AllowReconnect() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.reconnect)
}

func (b *Breaker) ResetReconnect() {
	_ = b.RecordReconnect(nil)
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen || b.cooldown <= 0 {
		return 0
	}
	elapsed := b.now().Sub(b.reconnect.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	alerter, logger, cooldown := b.alerter, b.logger, b.cooldown
	b.mu.Unlock()

	logger.Info("circuit half open",
		zap.String("event", "circuit_breaker_half_open"),
		zap.String("action", c.name),
		zap.Duration("cooldown", cooldown),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       c.name,
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	alerter, logger := b.alerter, b.logger

	if err == nil {
		prevFailures, prevState := c.failures, c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			logger.Info("circuit recovered",
				zap.String("event", "circuit_breaker_recovered"),
				zap.String("action", c.name),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        c.name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, c.maxFailures, "half_open_trial_failed")
		b.mu.Unlock()
		b.reportTrip(logger, alerter, c.name, "half_open", c.maxFailures, err)
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 {
			logger.Warn("circuit near trip",
				zap.String("event", "circuit_breaker_near_trip"),
				zap.String("action", c.name),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", limit),
				zap.Error(err),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               c.name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(logger, alerter, c.name, "closed", failures, err)
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.name, failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) reportTrip(logger *zap.Logger, alerter alert.Alerter, action, phase string, failures int, err error) {
	logger.Error("circuit tripped",
		zap.String("event", "circuit_breaker_trip"),
		zap.String("action", action),
		zap.String("phase", phase),
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               action,
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"last_error":           err.Error(),
		})
	}
}

// GuardedStore routes store writes through the persist circuit. Reads pass through.
type GuardedStore struct {
	inner   store.PositionStore
	breaker *Breaker
}

var _ store.PositionStore = (*GuardedStore)(nil)

func NewGuardedStore(inner store.PositionStore, breaker *Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker}
}

func (g *GuardedStore) guard(fn func() error) error {
	if err := g.breaker.AllowPersist(); err != nil {
		return err
	}
	err := fn()
	if trip := g.breaker.RecordPersist(err); trip != nil {
		return trip
	}
	return err
}

func (g *GuardedStore) CreatePosition(ctx context.Context, pos core.Position) error {
	return g.guard(func() error { return g.inner.CreatePosition(ctx, pos) })
}

func (g *GuardedStore) AugmentPosition(ctx context.Context, pos core.Position) error {
	return g.guard(func() error { return g.inner.AugmentPosition(ctx, pos) })
}

func (g *GuardedStore) ClosePosition(ctx context.Context, pos core.Position) error {
	return g.guard(func() error { return g.inner.ClosePosition(ctx, pos) })
}

func (g *GuardedStore) UpdateAnchor(ctx context.Context, pos core.Position) error {
	return g.guard(func() error { return g.inner.UpdateAnchor(ctx, pos) })
}

func (g *GuardedStore) AddAccumulationRecord(ctx context.Context, rec core.AccumulationRecord) error {
	return g.guard(func() error { return g.inner.AddAccumulationRecord(ctx, rec) })
}

func (g *GuardedStore) ListActivePositions(ctx context.Context, symbol string) ([]core.Position, error) {
	return g.inner.ListActivePositions(ctx, symbol)
}
