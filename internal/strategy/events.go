package strategy

import (
	"strconv"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventBuyTriggered       EventKind = "buy_triggered"
	EventSellTriggered      EventKind = "sell_triggered"
	EventNewHighRecorded    EventKind = "new_high_recorded"
	EventLadderRecalculated EventKind = "ladder_recalculated"
)

// Event is a decision produced by one observation. Fields flattens it for log lines,
// notifications and webhooks.
type Event interface {
	Kind() EventKind
	Fields() map[string]string
}

type BuyTriggered struct {
	Symbol           string
	Level            int
	Price            decimal.Decimal
	Units            int64
	DollarAmount     decimal.Decimal
	IsRebuy          bool
	IsAnchor         bool
	SellTriggerPrice decimal.Decimal
	PositionID       string
}

func (BuyTriggered) Kind() EventKind { return EventBuyTriggered }

func (e BuyTriggered) Fields() map[string]string {
	return map[string]string{
		"symbol":             e.Symbol,
		"level":              strconv.Itoa(e.Level),
		"price":              e.Price.StringFixed(2),
		"units":              strconv.FormatInt(e.Units, 10),
		"dollar_amount":      e.DollarAmount.StringFixed(2),
		"is_rebuy":           strconv.FormatBool(e.IsRebuy),
		"is_anchor":          strconv.FormatBool(e.IsAnchor),
		"sell_trigger_price": e.SellTriggerPrice.StringFixed(2),
		"position_id":        e.PositionID,
	}
}

type SellTriggered struct {
	Symbol     string
	PositionID string
	Level      int
	EntryPrice decimal.Decimal
	SellPrice  decimal.Decimal
	UnitsSold  int64
	UnitsKept  int64
	Profit     decimal.Decimal
}

func (SellTriggered) Kind() EventKind { return EventSellTriggered }

func (e SellTriggered) Fields() map[string]string {
	return map[string]string{
		"symbol":      e.Symbol,
		"position_id": e.PositionID,
		"level":       strconv.Itoa(e.Level),
		"entry_price": e.EntryPrice.StringFixed(2),
		"sell_price":  e.SellPrice.StringFixed(2),
		"units_sold":  strconv.FormatInt(e.UnitsSold, 10),
		"units_kept":  strconv.FormatInt(e.UnitsKept, 10),
		"profit":      e.Profit.StringFixed(2),
	}
}

type NewHighRecorded struct {
	Symbol       string
	Price        decimal.Decimal
	PreviousHigh decimal.Decimal
}

func (NewHighRecorded) Kind() EventKind { return EventNewHighRecorded }

func (e NewHighRecorded) Fields() map[string]string {
	return map[string]string{
		"symbol":        e.Symbol,
		"price":         e.Price.StringFixed(2),
		"previous_high": e.PreviousHigh.StringFixed(2),
	}
}

// LadderRecalculated reports a new reference price. Anchor levels are 0 when there
// was no anchor to move.
type LadderRecalculated struct {
	Symbol              string
	NewHighest          decimal.Decimal
	AnchorRelocatedFrom int
	AnchorRelocatedTo   int
}

func (LadderRecalculated) Kind() EventKind { return EventLadderRecalculated }

func (e LadderRecalculated) Fields() map[string]string {
	return map[string]string{
		"symbol":                e.Symbol,
		"new_highest":           e.NewHighest.StringFixed(2),
		"anchor_relocated_from": strconv.Itoa(e.AnchorRelocatedFrom),
		"anchor_relocated_to":   strconv.Itoa(e.AnchorRelocatedTo),
	}
}
