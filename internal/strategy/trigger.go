package strategy

import (
	"sort"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
	"pyramid-trading/internal/ladder"
)

var DefaultSellOffset = decimal.RequireFromString("0.14")

type BuyTrigger struct {
	Level   core.Level
	IsRebuy bool
}

type SellCandidate struct {
	Position     core.Position
	TriggerPrice decimal.Decimal
}

// Detector turns a price observation into buy and sell triggers.
type Detector struct {
	SellOffset decimal.Decimal
}

// SellTriggerPrice returns the price at which a position bought at level is sold:
// level 1 sells just under the first above-level, level 2 just under the reference
// price and deeper levels just under the below-level two rungs higher.
func (d Detector) SellTriggerPrice(l ladder.Ladder, level int) (decimal.Decimal, bool) {
	var base decimal.Decimal
	switch {
	case level < 1 || level > l.Levels():
		return decimal.Zero, false
	case level == 1:
		first, ok := l.FirstAbove()
		if !ok {
			return decimal.Zero, false
		}
		base = first.Price
	case level == 2:
		base = l.Reference
	default:
		ref, ok := l.BelowAt(level - 2)
		if !ok {
			return decimal.Zero, false
		}
		base = ref.Price
	}
	return base.Sub(d.SellOffset), true
}

// SellCandidates lists active positions whose trigger price is reached, ordered by
// level. The anchor and former anchors are never candidates.
func (d Detector) SellCandidates(l ladder.Ladder, positions []core.Position, price decimal.Decimal) []SellCandidate {
	var out []SellCandidate
	for _, pos := range positions {
		if !pos.Active() || pos.IsAnchor || pos.Protected {
			continue
		}
		trigger, ok := d.SellTriggerPrice(l, pos.Level)
		if !ok {
			continue
		}
		if price.Cmp(trigger) >= 0 {
			out = append(out, SellCandidate{Position: pos, TriggerPrice: trigger})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position.Level < out[j].Position.Level })
	return out
}

// BuyTriggers lists below levels crossed downward since prev whose state allows a buy.
// A nil prev counts as a crossing for every level at or above price.
func (d Detector) BuyTriggers(l ladder.Ladder, states *LevelStates, prev *decimal.Decimal, price decimal.Decimal) []BuyTrigger {
	var out []BuyTrigger
	for _, lvl := range l.Below {
		if price.Cmp(lvl.Price) > 0 {
			continue
		}
		if prev != nil && prev.Cmp(lvl.Price) <= 0 {
			continue
		}
		switch states.State(lvl.Index) {
		case core.Untouched:
			out = append(out, BuyTrigger{Level: lvl})
		case core.Sold:
			out = append(out, BuyTrigger{Level: lvl, IsRebuy: true})
		}
	}
	return out
}
