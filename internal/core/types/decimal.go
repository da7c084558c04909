// Package types provides common type aliases and utilities.
package types

import (
	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// Quantity is a fuel quantity in kilograms.
// Kept as decimal so replaying thousands of rows never drifts.
type Quantity = decimal.Decimal

const (
	// CostScale is the number of fractional digits kept for average cost.
	CostScale int32 = 6
	// MoneyScale is the number of fractional digits kept for sums and amounts.
	MoneyScale int32 = 2
	// QuantityScale is the number of fractional digits stored for quantities.
	QuantityScale int32 = 3
)

// CostEpsilon is the smallest movement cost change worth cascading.
var CostEpsilon = decimal.New(1, -2)

// NewMoney creates a Money value from a float.
// WARNING: Use NewMoneyFromString for precise values.
func NewMoney(f float64) Money {
	return decimal.NewFromFloat(f)
}

// NewMoneyFromString creates a Money value from a string.
// This is the preferred method for monetary values.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants and tests.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// RoundCost rounds an average cost to CostScale digits.
func RoundCost(d decimal.Decimal) decimal.Decimal {
	return d.Round(CostScale)
}

// RoundMoney rounds a monetary amount to MoneyScale digits.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// ClampNonNegative returns d, or zero when d is negative.
func ClampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// DiffersBeyond reports whether |a-b| > eps.
func DiffersBeyond(a, b, eps decimal.Decimal) bool {
	return a.Sub(b).Abs().GreaterThan(eps)
}

// FitsScale reports whether d has at most scale fractional digits.
func FitsScale(d decimal.Decimal, scale int32) bool {
	return d.Round(scale).Equal(d)
}
