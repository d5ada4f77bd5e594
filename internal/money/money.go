// Package money defines the monetary unit types used across the platform.
//
// The ledger and every internal interface deal in integer Cents; dollars
// exist only at user-facing boundaries. Wholesale provider costs may carry
// sub-cent precision and are held as Cost until the charge is rounded.
package money

import (
	"fmt"
	"math"
)

// Cents is an integer amount of US cents. All ledger balances and charges
// are Cents; mixing raw ints is a compile error by construction.
type Cents int64

// Cost is a fractional wholesale amount in cents. Providers report costs
// with sub-cent precision; Cost preserves it until the final rounding.
type Cost float64

// FromDollars converts a user-facing dollar amount to Cents, rounding to
// the nearest cent.
func FromDollars(d float64) Cents {
	return Cents(math.Round(d * 100))
}

// Dollars converts Cents to a dollar amount for user-facing output.
func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

// String formats the amount as a dollar string, e.g. "$1.35".
func (c Cents) String() string {
	sign := ""
	v := c
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// Cents rounds a fractional cost to whole Cents.
func (w Cost) Cents() Cents {
	return Cents(math.Round(float64(w)))
}

// Charge applies a margin multiplier to a wholesale cost and rounds the
// result to whole Cents. charge = round(cost * margin).
func (w Cost) Charge(margin float64) Cents {
	return Cents(math.Round(float64(w) * margin))
}

// Add returns the sum of two costs.
func (w Cost) Add(other Cost) Cost {
	return w + other
}
