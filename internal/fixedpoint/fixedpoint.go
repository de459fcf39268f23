// Package fixedpoint wraps shopspring/decimal with checked arithmetic for the
// NAV and leverage paths. Every operation validates its result against a
// bounded representable range and reports domain.ErrArithmeticOverflow
// instead of producing values the accounting cannot audit. No float64 is
// permitted anywhere in vault math.
package fixedpoint

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

const (
	// TokenPlaces is the minimal-unit precision of leveraged-token amounts.
	// Minted tokens are floored to this precision.
	TokenPlaces int32 = 6
	// CollateralPlaces is the precision of collateral amounts.
	CollateralPlaces int32 = 6
)

// maxAbs bounds the representable magnitude. NUMERIC columns and the venue
// wire format agree on this range.
var maxAbs = decimal.New(1, 24) // 1e24

// Check validates that d is inside the representable range.
func Check(d decimal.Decimal) error {
	if d.Abs().GreaterThan(maxAbs) {
		return fmt.Errorf("fixedpoint: |%s| exceeds representable range: %w", d, domain.ErrArithmeticOverflow)
	}
	return nil
}

// Add returns a+b, checked.
func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	r := a.Add(b)
	if err := Check(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// Sub returns a-b, checked.
func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	r := a.Sub(b)
	if err := Check(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// Mul returns a*b, checked.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	r := a.Mul(b)
	if err := Check(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// Div returns a/b, checked. A zero divisor reports overflow rather than
// panicking; callers on the NAV path guard divisors themselves and treat
// this as a programmer error surfaced safely.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("fixedpoint: division by zero: %w", domain.ErrArithmeticOverflow)
	}
	r := a.Div(b)
	if err := Check(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// FloorTokens floors a token amount to its minimal unit. Rounding minted
// tokens always goes down so a mint can never dilute existing holders.
func FloorTokens(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(TokenPlaces)
}

// FloorCollateral floors a collateral amount to its minimal unit. Withdrawal
// amounts round down, in the vault's favor, so collateral never goes
// negative from rounding.
func FloorCollateral(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(CollateralPlaces)
}

// FromBps converts a basis-point amount to its fractional multiplier,
// e.g. 25 bps -> 0.0025.
func FromBps(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(decimal.NewFromInt(10_000))
}
