package main

import (
	"fmt"
	"io"

	"pyramid-trading/internal/config"
	"pyramid-trading/internal/engine"
)

func printSummary(w io.Writer, cfg config.Config, r engine.BacktestResult, skipped int) {
	fmt.Fprintf(w,
		"summary instance=%s symbol=%s ticks=%d rejected_ticks=%d skipped_lines=%d start_price=%s end_price=%s highest=%s buys=%d rebuys=%d sells=%d new_highs=%d recalculations=%d units_bought=%d units_sold=%d units_kept=%d invested=%s realized_profit=%s accumulation_value=%s anchor_level=%d open_positions=%d open_units=%d open_cost=%s market_value=%s\n",
		cfg.InstanceID,
		cfg.Symbol,
		r.Ticks,
		r.RejectedTicks,
		skipped,
		r.StartPrice.StringFixed(2),
		r.EndPrice.StringFixed(2),
		r.Highest.StringFixed(2),
		r.Buys,
		r.Rebuys,
		r.Sells,
		r.NewHighs,
		r.Recalculations,
		r.UnitsBought,
		r.UnitsSold,
		r.UnitsKept,
		r.Invested.StringFixed(2),
		r.RealizedProfit.StringFixed(2),
		r.AccumulationValue.StringFixed(2),
		r.FinalAnchorLevel,
		r.OpenPositions,
		r.OpenUnits,
		r.OpenCost.StringFixed(2),
		r.MarketValue.StringFixed(2),
	)
	for _, d := range r.DailyProfitSeries {
		fmt.Fprintf(w, "daily date=%s realized_profit=%s\n", d.Date, d.Profit.StringFixed(2))
	}
}
