package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pyramid-trading/internal/core"
)

type memWriter struct {
	ticks []core.Tick
	err   error
}

func (m *memWriter) Write(tick core.Tick) error {
	if m.err != nil {
		return m.err
	}
	m.ticks = append(m.ticks, tick)
	return nil
}

func TestRecordSkipsInvalidTicksAndStopsOnStreamError(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	ticks := make(chan core.Tick)
	errs := make(chan error)
	go func() {
		ticks <- core.Tick{Symbol: "SPY", Time: now, Price: decimal.NewFromInt(200)}
		ticks <- core.Tick{Symbol: "SPY", Time: now, Price: decimal.Zero}
		ticks <- core.Tick{Symbol: "SPY", Time: now.Add(72 * time.Hour), Price: decimal.NewFromInt(201)}
		errs <- errors.New("connection reset")
	}()

	w := &memWriter{}
	err := record(context.Background(), ticks, errs, w, func() time.Time { return now }, zap.NewNop())
	require.EqualError(t, err, "connection reset")
	require.Len(t, w.ticks, 1)
	assert.True(t, w.ticks[0].Price.Equal(decimal.NewFromInt(200)))
}

func TestRecordReturnsWriteFailure(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	ticks := make(chan core.Tick, 1)
	ticks <- core.Tick{Symbol: "SPY", Time: now, Price: decimal.NewFromInt(200)}
	w := &memWriter{err: errors.New("disk full")}
	err := record(context.Background(), ticks, make(chan error), w, func() time.Time { return now }, zap.NewNop())
	assert.ErrorContains(t, err, "disk full")
}

func TestRecordStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := record(ctx, make(chan core.Tick), make(chan error), &memWriter{}, time.Now, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
}
