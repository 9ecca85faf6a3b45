// Package types provides the decimal value types used for stock quantities and costs.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// Quantity is a stock quantity. Stored as NUMERIC(18,4).
type Quantity = decimal.Decimal

const (
	// QuantityPlaces is the number of fractional digits persisted for quantities.
	QuantityPlaces int32 = 4

	// CostPlaces is the number of fractional digits persisted for unit costs.
	CostPlaces int32 = 6
)

// NewMoneyFromString creates a Money value from a string.
// This is the preferred method for monetary values.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants and tests.
func MustMoney(s string) Money {
	return decimal.RequireFromString(s)
}

// Zero returns the zero value shared by Money and Quantity.
func Zero() decimal.Decimal {
	return decimal.Zero
}

// NewQuantityFromString parses a quantity. Values with more than
// QuantityPlaces fractional digits are rejected, never rounded.
func NewQuantityFromString(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !HasQuantityPrecision(d) {
		return decimal.Zero, fmt.Errorf("quantity %s has more than %d decimal places", s, QuantityPlaces)
	}
	return d, nil
}

// MustQuantity parses a quantity, panics on error.
func MustQuantity(s string) Quantity {
	return decimal.RequireFromString(s)
}

// HasQuantityPrecision reports whether q is representable with QuantityPlaces
// fractional digits.
func HasQuantityPrecision(q Quantity) bool {
	return q.Equal(q.Round(QuantityPlaces))
}

// NewQuantity creates a whole-unit quantity.
func NewQuantity(units int64) Quantity {
	return decimal.NewFromInt(units)
}

// DefaultEpsilon is the tolerance used when comparing ledger and batch balances.
func DefaultEpsilon() Quantity {
	return decimal.New(1, -2)
}

// WithinEpsilon reports whether |a-b| <= eps.
func WithinEpsilon(a, b, eps decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(eps)
}

// RoundCost rounds a unit cost to the persisted precision.
func RoundCost(m Money) Money {
	return m.Round(CostPlaces)
}
