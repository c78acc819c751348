package feed

import (
	"errors"
	"fmt"
	"time"

	"pyramid-trading/internal/core"
)

// ErrInvalidTick marks an observation rejected before it reaches the engine.
var ErrInvalidTick = errors.New("invalid tick")

const (
	DefaultMaxFuture = 24 * time.Hour
	DefaultMaxAge    = 2 * 365 * 24 * time.Hour
)

// Window bounds how far a tick timestamp may sit from the wall clock. A zero
// field disables that side of the check; replayed history uses MaxAge 0.
type Window struct {
	MaxFuture time.Duration
	MaxAge    time.Duration
}

func DefaultWindow() Window {
	return Window{MaxFuture: DefaultMaxFuture, MaxAge: DefaultMaxAge}
}

// Validate checks one observation against now.
func Validate(tick core.Tick, now time.Time, w Window) error {
	if tick.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidTick)
	}
	if tick.Time.IsZero() {
		return fmt.Errorf("%w: timestamp required", ErrInvalidTick)
	}
	if !tick.Price.IsPositive() {
		return fmt.Errorf("%w: price %s must be positive", ErrInvalidTick, tick.Price)
	}
	if !tick.High.IsZero() && !tick.Low.IsZero() && tick.High.LessThan(tick.Low) {
		return fmt.Errorf("%w: high %s below low %s", ErrInvalidTick, tick.High, tick.Low)
	}
	if w.MaxFuture > 0 && tick.Time.After(now.Add(w.MaxFuture)) {
		return fmt.Errorf("%w: timestamp %s too far in the future", ErrInvalidTick, tick.Time.Format(time.RFC3339))
	}
	if w.MaxAge > 0 && tick.Time.Before(now.Add(-w.MaxAge)) {
		return fmt.Errorf("%w: timestamp %s too old", ErrInvalidTick, tick.Time.Format(time.RFC3339))
	}
	return nil
}
