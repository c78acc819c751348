package core

import "github.com/shopspring/decimal"

var (
	Cent    = decimal.RequireFromString("0.01")
	Hundred = decimal.NewFromInt(100)
)

// RoundCents rounds half away from zero to currency precision.
func RoundCents(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// FloorUnits returns how many whole units amount buys at price. Non-positive inputs yield 0.
func FloorUnits(amount, price decimal.Decimal) int64 {
	if amount.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return 0
	}
	return RoundDown(amount.Div(price), decimal.NewFromInt(1)).IntPart()
}

func Notional(units int64, price decimal.Decimal) decimal.Decimal {
	return RoundCents(price.Mul(decimal.NewFromInt(units)))
}
