// Package money provides amount parsing and formatting shared by every
// package that moves funds.
//
// Amounts are decimal with at most 2 fractional digits. They travel as JSON
// strings ("12.50") and are stored as NUMERIC(20,2).
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits an amount may carry.
const Places = 2

var (
	ErrInvalid   = errors.New("invalid amount")
	ErrNegative  = errors.New("amount must not be negative")
	ErrPrecision = errors.New("amount has more than 2 decimal places")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string to an amount. Empty strings are zero.
// Negative values and values with more than 2 fractional digits are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if err := Check(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Check validates an already-parsed amount.
func Check(d decimal.Decimal) error {
	if d.IsNegative() {
		return ErrNegative
	}
	if !d.Equal(d.Truncate(Places)) {
		return ErrPrecision
	}
	return nil
}

// Positive reports whether d is a valid, strictly positive amount.
func Positive(d decimal.Decimal) bool {
	return d.IsPositive() && Check(d) == nil
}

// Format renders d with exactly 2 fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Percent returns pct percent of d, rounded half-up to cents.
func Percent(d, pct decimal.Decimal) decimal.Decimal {
	return d.Mul(pct).Div(decimal.NewFromInt(100)).Round(Places)
}

// MinorUnits converts d to the smallest currency unit (cents, kobo).
func MinorUnits(d decimal.Decimal) int64 {
	return d.Shift(Places).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(n int64) decimal.Decimal {
	return decimal.New(n, -Places)
}
