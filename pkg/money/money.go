// Package money centralizes decimal arithmetic rules for billing amounts.
// Amounts are exact decimals end to end; rounding to two places happens only
// when totals are persisted or presented.
package money

import "github.com/shopspring/decimal"

// Epsilon absorbs rounding error in equality and overpayment checks
// (0.01 currency unit).
var Epsilon = decimal.New(1, -2)

var minorFactor = decimal.NewFromInt(100)

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Equal reports whether a and b are within Epsilon of each other.
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Epsilon)
}

// ToMinorUnits converts a decimal amount to minor currency units (cents).
// Only two-exponent currencies are supported.
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Mul(minorFactor).Round(0).IntPart()
}

// FromMinorUnits converts minor currency units back to a decimal amount.
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
