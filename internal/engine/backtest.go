package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/feed"
	"pyramid-trading/internal/strategy"
)

// BacktestRunner replays a feed through one engine and tallies its decisions.
type BacktestRunner struct {
	Feed   feed.Feed
	Engine *strategy.Pyramid
	// InitialHighest seeds the ladder; zero means the first valid tick's price.
	InitialHighest decimal.Decimal
	// Window bounds tick timestamps; the zero value skips the time checks.
	Window feed.Window
	Now    func() time.Time
	Logger *zap.Logger
	OnTick func(tick core.Tick, err error)
}

type BacktestResult struct {
	Ticks             int
	RejectedTicks     int
	StartPrice        decimal.Decimal
	EndPrice          decimal.Decimal
	Highest           decimal.Decimal
	Buys              int
	Rebuys            int
	Sells             int
	NewHighs          int
	Recalculations    int
	UnitsBought       int64
	UnitsSold         int64
	UnitsKept         int64
	Invested          decimal.Decimal
	RealizedProfit    decimal.Decimal
	AccumulationValue decimal.Decimal
	FinalAnchorLevel  int
	OpenPositions     int
	OpenUnits         int64
	OpenCost          decimal.Decimal
	// MarketValue prices open and accumulated units at EndPrice.
	MarketValue       decimal.Decimal
	DailyProfitSeries []DailyProfit
}

type DailyProfit struct {
	Date   string
	Profit decimal.Decimal
}

func (r *BacktestRunner) Run(ctx context.Context) (BacktestResult, error) {
	var result BacktestResult
	if r.Feed == nil || r.Engine == nil {
		return result, errors.New("backtest runner needs a feed and an engine")
	}
	defer r.Feed.Close()
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	first := true
	dailyProfit := make(map[string]decimal.Decimal)
	dayOrder := make([]string, 0)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tick, err := r.Feed.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, err
		}
		if err := feed.Validate(tick, now(), r.Window); err != nil {
			result.RejectedTicks++
			r.observed(tick, err)
			logger.Warn("tick rejected",
				zap.String("event", "tick_rejected"),
				zap.Time("tick_time", tick.Time),
				zap.Error(err),
			)
			continue
		}
		if first {
			highest := r.InitialHighest
			if !highest.IsPositive() {
				highest = tick.Price
			}
			if err := r.Engine.Initialize(ctx, highest); err != nil {
				return result, fmt.Errorf("initialize engine: %w", err)
			}
			result.StartPrice = tick.Price
			first = false
		}
		events, err := r.Engine.Observe(tick.Price)
		r.observed(tick, err)
		if err != nil {
			return result, err
		}
		result.Ticks++
		result.EndPrice = tick.Price

		day := tick.Time.UTC().Format("2006-01-02")
		if _, ok := dailyProfit[day]; !ok {
			dayOrder = append(dayOrder, day)
			dailyProfit[day] = decimal.Zero
		}
		for _, ev := range events {
			profit := result.tally(ev)
			if !profit.IsZero() {
				dailyProfit[day] = dailyProfit[day].Add(profit)
			}
		}
	}

	snap := r.Engine.Snapshot()
	result.Highest = snap.Highest
	result.FinalAnchorLevel = snap.AnchorLevel
	result.OpenPositions = len(snap.Positions)
	for _, pos := range snap.Positions {
		result.OpenUnits += pos.Units
		result.OpenCost = result.OpenCost.Add(pos.DollarAmount)
	}
	if result.EndPrice.IsPositive() {
		result.MarketValue = core.Notional(result.OpenUnits+result.UnitsKept, result.EndPrice)
	}
	for _, day := range dayOrder {
		result.DailyProfitSeries = append(result.DailyProfitSeries, DailyProfit{
			Date:   day,
			Profit: dailyProfit[day],
		})
	}
	return result, nil
}

func (r *BacktestRunner) observed(tick core.Tick, err error) {
	if r.OnTick != nil {
		r.OnTick(tick, err)
	}
}

// tally folds one event into the result and returns the profit it realized.
func (res *BacktestResult) tally(ev strategy.Event) decimal.Decimal {
	switch e := ev.(type) {
	case strategy.BuyTriggered:
		if e.IsRebuy {
			res.Rebuys++
		} else {
			res.Buys++
		}
		res.UnitsBought += e.Units
		res.Invested = res.Invested.Add(e.DollarAmount)
	case strategy.SellTriggered:
		res.Sells++
		res.UnitsSold += e.UnitsSold
		res.UnitsKept += e.UnitsKept
		res.RealizedProfit = res.RealizedProfit.Add(e.Profit)
		res.AccumulationValue = res.AccumulationValue.Add(core.Notional(e.UnitsKept, e.EntryPrice))
		return e.Profit
	case strategy.NewHighRecorded:
		res.NewHighs++
	case strategy.LadderRecalculated:
		res.Recalculations++
	}
	return decimal.Zero
}
