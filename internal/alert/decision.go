package alert

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/strategy"
)

// decision renders a strategy event in trading terms.
func decision(ev strategy.Event) Alert {
	a := Alert{Event: string(ev.Kind())}
	switch e := ev.(type) {
	case strategy.BuyTriggered:
		verb := "Bought"
		if e.IsRebuy {
			verb = "Rebought"
		}
		a.Summary = fmt.Sprintf("%s level %d at %s", verb, e.Level, e.Price.StringFixed(2))
		if e.IsAnchor {
			a.Summary += ", new anchor"
		}
		a.Details = []Detail{
			{Label: "units", Value: strconv.FormatInt(e.Units, 10)},
			{Label: "cost", Value: "$" + e.DollarAmount.StringFixed(2)},
			{Label: "sells at", Value: e.SellTriggerPrice.StringFixed(2)},
			{Label: "position", Value: e.PositionID},
		}
	case strategy.SellTriggered:
		a.Summary = fmt.Sprintf("Sold level %d at %s, profit %s", e.Level, e.SellPrice.StringFixed(2), signed(e.Profit))
		if e.Profit.IsNegative() {
			a.Severity = SeverityWarning
		}
		a.Details = []Detail{
			{Label: "entry", Value: e.EntryPrice.StringFixed(2)},
			{Label: "units sold", Value: strconv.FormatInt(e.UnitsSold, 10)},
			{Label: "units kept", Value: strconv.FormatInt(e.UnitsKept, 10)},
			{Label: "position", Value: e.PositionID},
		}
	case strategy.NewHighRecorded:
		a.Summary = fmt.Sprintf("New high %s (was %s)", e.Price.StringFixed(2), e.PreviousHigh.StringFixed(2))
	case strategy.LadderRecalculated:
		a.Summary = "Ladder recalculated from " + e.NewHighest.StringFixed(2)
		if e.AnchorRelocatedFrom != e.AnchorRelocatedTo {
			a.Details = []Detail{{
				Label: "anchor",
				Value: fmt.Sprintf("level %d to level %d", e.AnchorRelocatedFrom, e.AnchorRelocatedTo),
			}}
		}
	default:
		generic := operational(a.Event, ev.Fields())
		a.Summary, a.Details = generic.Summary, generic.Details
	}
	return a
}

func signed(v decimal.Decimal) string {
	if v.IsNegative() {
		return v.StringFixed(2)
	}
	return "+" + v.StringFixed(2)
}
