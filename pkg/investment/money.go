package investment

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of decimal places kept for persisted amounts.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds an amount to minor units (half away from zero).
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// ToMinorUnits converts an amount to an integer count of minor units.
// Stores without a decimal type (Redis) persist balances this way so that
// increments stay exact.
func ToMinorUnits(d decimal.Decimal) int64 {
	return RoundMoney(d).Shift(MoneyPlaces).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(n int64) decimal.Decimal {
	return decimal.New(n, -MoneyPlaces)
}
