package strategy

import (
	"github.com/shopspring/decimal"

	"pyramid-trading/internal/core"
)

var DefaultBaseAmount = decimal.NewFromInt(3000)

// Sizing is the dollar rule: level n trades BaseAmount * n, for buys and planned sells alike.
type Sizing struct {
	BaseAmount decimal.Decimal
}

func (s Sizing) DollarAmount(level int) decimal.Decimal {
	if level < 1 {
		return decimal.Zero
	}
	return s.BaseAmount.Mul(decimal.NewFromInt(int64(level)))
}

func (s Sizing) Units(level int, price decimal.Decimal) int64 {
	return core.FloorUnits(s.DollarAmount(level), price)
}
