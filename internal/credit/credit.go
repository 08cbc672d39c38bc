// Package credit implements the platform's monetary value type: an
// immutable, integer-raw-unit amount at a fixed scale of 1e9 units per
// dollar (1 cent = 1e7 raw units). All ledger and meter arithmetic is
// done on raw units so nothing ever rounds during a debit/credit chain.
package credit

import (
	"fmt"
	"math"
)

// Scale is the number of raw units per dollar.
const Scale int64 = 1_000_000_000

// centScale is the number of raw units per cent.
const centScale int64 = Scale / 100

// maxSafeRaw bounds fromRaw/fromCents/fromDollars inputs to values that
// survive round-tripping through float64 display paths without losing
// precision (2^53, the float64 safe-integer ceiling).
const maxSafeRaw = 1 << 53

// Credit is an immutable monetary amount in raw units. The zero value is
// zero dollars.
type Credit struct {
	raw int64
}

// Zero is the additive identity.
var Zero = Credit{}

// FromRaw constructs a Credit directly from raw units. It rejects values
// that exceed the safe-integer ceiling so later float-based display paths
// (toCentsRounded) cannot silently lose precision.
func FromRaw(raw int64) (Credit, error) {
	if raw > maxSafeRaw || raw < -maxSafeRaw {
		return Credit{}, fmt.Errorf("credit: raw value %d exceeds safe-integer ceiling", raw)
	}
	return Credit{raw: raw}, nil
}

// MustFromRaw is FromRaw but panics on error; for use with compile-time
// constants where the value is known to be in range.
func MustFromRaw(raw int64) Credit {
	c, err := FromRaw(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// FromCents constructs a Credit worth n cents.
func FromCents(n int64) (Credit, error) {
	return FromRaw(n * centScale)
}

// MustFromCents is FromCents but panics on error.
func MustFromCents(n int64) Credit {
	c, err := FromCents(n)
	if err != nil {
		panic(err)
	}
	return c
}

// FromDollars constructs a Credit worth n dollars.
func FromDollars(n int64) (Credit, error) {
	return FromRaw(n * Scale)
}

// Raw returns the underlying raw-unit integer.
func (c Credit) Raw() int64 { return c.raw }

// Add returns c + other. Overflow beyond the safe-integer ceiling is
// rejected rather than silently wrapping.
func (c Credit) Add(other Credit) (Credit, error) {
	return FromRaw(c.raw + other.raw)
}

// Subtract returns c - other.
func (c Credit) Subtract(other Credit) (Credit, error) {
	return FromRaw(c.raw - other.raw)
}

// Negate returns -c.
func (c Credit) Negate() Credit {
	return Credit{raw: -c.raw}
}

// Cmp returns -1, 0, or 1 as c is less than, equal to, or greater than other.
func (c Credit) Cmp(other Credit) int {
	switch {
	case c.raw < other.raw:
		return -1
	case c.raw > other.raw:
		return 1
	default:
		return 0
	}
}

// IsNegative reports whether c < 0.
func (c Credit) IsNegative() bool { return c.raw < 0 }

// IsZero reports whether c == 0.
func (c Credit) IsZero() bool { return c.raw == 0 }

// Mul scales c by a non-negative multiplier, rounding the raw result
// toward negative infinity (floor), matching the gateway's cost*margin use.
func (c Credit) Mul(multiplier float64) (Credit, error) {
	scaled := math.Floor(float64(c.raw) * multiplier)
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return Credit{}, fmt.Errorf("credit: multiplier %v produced a non-finite result", multiplier)
	}
	return FromRaw(int64(scaled))
}

// ToCentsFloor converts to whole cents, truncating toward negative
// infinity. Used for outbound payment amounts, where under-paying by a
// fraction of a cent is always safe and over-paying never is.
func (c Credit) ToCentsFloor() int64 {
	if c.raw >= 0 {
		return c.raw / centScale
	}
	// Integer division in Go truncates toward zero; correct to floor for
	// negative values.
	q := c.raw / centScale
	if c.raw%centScale != 0 {
		q--
	}
	return q
}

// ToCentsRounded converts to whole cents using round-half-away-from-zero,
// for display purposes.
func (c Credit) ToCentsRounded() int64 {
	f := float64(c.raw) / float64(centScale)
	if f >= 0 {
		return int64(math.Floor(f + 0.5))
	}
	return int64(math.Ceil(f - 0.5))
}

// String renders a dollar-and-cents representation, e.g. "$12.34".
func (c Credit) String() string {
	cents := c.ToCentsRounded()
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", neg, cents/100, cents%100)
}
