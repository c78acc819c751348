package ladder

import (
	"errors"

	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
)

var (
	ErrInvalidReference = errors.New("reference price must be > 0")
	ErrInvalidLevels    = errors.New("levels must be >= 1")
	ErrInvalidStep      = errors.New("step percent must be > 0 and levels*step < 100")
	ErrNotMonotonic     = errors.New("ladder collapsed after rounding to cents")
)

var DefaultStepPercent = decimal.NewFromInt(3)

// Ladder is the buy ladder below and the sell-reference ladder above one reference price.
type Ladder struct {
	Reference decimal.Decimal
	Step      decimal.Decimal
	Below     []core.Level
	Above     []core.Level
}

func Compute(reference decimal.Decimal, levels int, stepPercent decimal.Decimal) (Ladder, error) {
	if reference.Cmp(decimal.Zero) <= 0 {
		return Ladder{}, ErrInvalidReference
	}
	if levels < 1 {
		return Ladder{}, ErrInvalidLevels
	}
	if stepPercent.Cmp(decimal.Zero) <= 0 || stepPercent.Mul(decimal.NewFromInt(int64(levels))).Cmp(core.Hundred) >= 0 {
		return Ladder{}, ErrInvalidStep
	}
	out := Ladder{
		Reference: reference,
		Step:      stepPercent,
		Below:     make([]core.Level, levels),
		Above:     make([]core.Level, levels),
	}
	one := decimal.NewFromInt(1)
	for i := 1; i <= levels; i++ {
		offset := stepPercent.Mul(decimal.NewFromInt(int64(i)))
		frac := offset.Div(core.Hundred)
		out.Below[i-1] = core.Level{
			Index:         i,
			Price:         core.RoundCents(reference.Mul(one.Sub(frac))),
			PercentOffset: offset.Neg(),
		}
		out.Above[i-1] = core.Level{
			Index:         i,
			Price:         core.RoundCents(reference.Mul(one.Add(frac))),
			PercentOffset: offset,
		}
	}
	for i := 1; i < levels; i++ {
		if out.Below[i].Price.Cmp(out.Below[i-1].Price) >= 0 || out.Above[i].Price.Cmp(out.Above[i-1].Price) <= 0 {
			return Ladder{}, ErrNotMonotonic
		}
	}
	if out.Below[levels-1].Price.Cmp(decimal.Zero) <= 0 {
		return Ladder{}, ErrNotMonotonic
	}
	return out, nil
}

// ReferenceFor returns the lowest cent reference whose below-level index is priced at
// or above price. It reports false when the index has no positive multiplier.
func ReferenceFor(price decimal.Decimal, index int, stepPercent decimal.Decimal) (decimal.Decimal, bool) {
	if index < 1 || price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	frac := stepPercent.Mul(decimal.NewFromInt(int64(index))).Div(core.Hundred)
	mult := decimal.NewFromInt(1).Sub(frac)
	if mult.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	return price.DivRound(mult, 8).RoundCeil(2), true
}

func (l Ladder) Levels() int {
	return len(l.Below)
}

func (l Ladder) Empty() bool {
	return len(l.Below) == 0
}

func (l Ladder) BelowAt(index int) (core.Level, bool) {
	if index < 1 || index > len(l.Below) {
		return core.Level{}, false
	}
	return l.Below[index-1], true
}

func (l Ladder) AboveAt(index int) (core.Level, bool) {
	if index < 1 || index > len(l.Above) {
		return core.Level{}, false
	}
	return l.Above[index-1], true
}

func (l Ladder) FirstAbove() (core.Level, bool) {
	return l.AboveAt(1)
}

// ClosestBelow returns the below level whose price is nearest to price. Equal distances
// resolve to the lower index.
func (l Ladder) ClosestBelow(price decimal.Decimal) (core.Level, bool) {
	if len(l.Below) == 0 {
		return core.Level{}, false
	}
	best := l.Below[0]
	bestDist := best.Price.Sub(price).Abs()
	for _, lvl := range l.Below[1:] {
		dist := lvl.Price.Sub(price).Abs()
		if dist.Cmp(bestDist) < 0 {
			best = lvl
			bestDist = dist
		}
	}
	return best, true
}
