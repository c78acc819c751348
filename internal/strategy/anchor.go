package strategy

import (
	"github.com/shopspring/decimal"

	"pyramid-trading/internal/ladder"
)

// AnchorTracker remembers which bought level is protected from selling.
type AnchorTracker struct {
	level int
	price decimal.Decimal
}

func (a *AnchorTracker) Current() (int, decimal.Decimal, bool) {
	if a.level == 0 {
		return 0, decimal.Zero, false
	}
	return a.level, a.price, true
}

// RelocateAfterTrigger moves the anchor to the deepest level triggered this tick when
// there is no anchor yet or that level is strictly cheaper than the current anchor.
func (a *AnchorTracker) RelocateAfterTrigger(triggered []BuyTrigger) bool {
	if len(triggered) == 0 {
		return false
	}
	deepest := triggered[0].Level
	for _, t := range triggered[1:] {
		if t.Level.Index > deepest.Index {
			deepest = t.Level
		}
	}
	if a.level != 0 && deepest.Price.Cmp(a.price) >= 0 {
		return false
	}
	a.level = deepest.Index
	a.price = deepest.Price
	return true
}

// RelocateAfterLadderRecalc maps the anchor onto the new ladder level whose price is
// closest to the old anchor price.
func (a *AnchorTracker) RelocateAfterLadderRecalc(next ladder.Ladder) (from, to int, moved bool) {
	if a.level == 0 {
		return 0, 0, false
	}
	closest, ok := next.ClosestBelow(a.price)
	if !ok {
		return a.level, a.level, false
	}
	from = a.level
	a.level = closest.Index
	a.price = closest.Price
	return from, a.level, from != a.level
}

func (a *AnchorTracker) set(level int, price decimal.Decimal) {
	a.level = level
	a.price = price
}

func (a *AnchorTracker) clear() {
	a.level = 0
	a.price = decimal.Zero
}

// ShouldRecalculate reports whether price reached the first above-level of l.
func ShouldRecalculate(l ladder.Ladder, price decimal.Decimal) bool {
	first, ok := l.FirstAbove()
	if !ok {
		return false
	}
	return price.Cmp(first.Price) >= 0
}
