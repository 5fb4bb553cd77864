package credit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal2 is a fixed-point quantity with two fractional digits. Every
// arithmetic operation rounds half-up to two places, so balances never
// accumulate floating-point drift.
type Decimal2 struct {
	value decimal.Decimal
}

// Zero2 is the zero quantity.
var Zero2 = Decimal2{value: decimal.Zero}

// NewDecimal2FromString parses a decimal string and rounds it to two places.
func NewDecimal2FromString(raw string) (Decimal2, error) {
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return Decimal2{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return Decimal2{value: parsed.Round(2)}, nil
}

// NewDecimal2FromInt converts whole units.
func NewDecimal2FromInt(units int64) Decimal2 {
	return Decimal2{value: decimal.NewFromInt(units)}
}

// NewDecimal2FromFloat converts a float once, at the system boundary.
// The result is rounded to two places; the float must never be fed back
// from ledger state.
func NewDecimal2FromFloat(raw float64) Decimal2 {
	return Decimal2{value: decimal.NewFromFloat(raw).Round(2)}
}

// Add returns a+b rounded to two places.
func (a Decimal2) Add(b Decimal2) Decimal2 {
	return Decimal2{value: a.value.Add(b.value).Round(2)}
}

// Sub returns a-b rounded to two places.
func (a Decimal2) Sub(b Decimal2) Decimal2 {
	return Decimal2{value: a.value.Sub(b.value).Round(2)}
}

// Mul returns a*b rounded to two places.
func (a Decimal2) Mul(b Decimal2) Decimal2 {
	return Decimal2{value: a.value.Mul(b.value).Round(2)}
}

// Neg returns the negated quantity.
func (a Decimal2) Neg() Decimal2 {
	return Decimal2{value: a.value.Neg()}
}

// IsNegative reports whether the quantity is below zero.
func (a Decimal2) IsNegative() bool {
	return a.value.IsNegative()
}

// IsPositive reports whether the quantity is above zero.
func (a Decimal2) IsPositive() bool {
	return a.value.IsPositive()
}

// IsZero reports whether the quantity equals zero.
func (a Decimal2) IsZero() bool {
	return a.value.IsZero()
}

// Equal reports exact equality.
func (a Decimal2) Equal(b Decimal2) bool {
	return a.value.Equal(b.value)
}

// LessThan reports a < b.
func (a Decimal2) LessThan(b Decimal2) bool {
	return a.value.LessThan(b.value)
}

// Cmp returns -1, 0, or 1 comparing a against b.
func (a Decimal2) Cmp(b Decimal2) int {
	return a.value.Cmp(b.value)
}

// String renders the quantity with exactly two fractional digits.
func (a Decimal2) String() string {
	return a.value.StringFixed(2)
}

// Float64 converts for display/transport. One-way: the result must not
// re-enter ledger arithmetic.
func (a Decimal2) Float64() float64 {
	converted, _ := a.value.Float64()
	return converted
}

// Decimal exposes the underlying decimal for storage drivers.
func (a Decimal2) Decimal() decimal.Decimal {
	return a.value
}

// NewDecimal2FromDecimal wraps a raw decimal read back from storage,
// rounding it to two places.
func NewDecimal2FromDecimal(raw decimal.Decimal) Decimal2 {
	return Decimal2{value: raw.Round(2)}
}
