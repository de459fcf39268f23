// Package accounting implements the vault accountant: pure derivation of
// equity, NAV per token, and realized leverage from vault collateral,
// position state, and one oracle quote. It never mutates state.
package accounting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/fixedpoint"
)

// Accountant derives accounting values and enforces oracle quality bounds.
type Accountant struct {
	maxPriceAge time.Duration
	// maxConfidenceRatio is the widest tolerated confidence interval
	// relative to the price, e.g. 0.01 for 1%.
	maxConfidenceRatio decimal.Decimal
}

// New creates an Accountant with the given oracle bounds.
func New(maxPriceAge time.Duration, maxConfidenceRatio decimal.Decimal) *Accountant {
	return &Accountant{
		maxPriceAge:        maxPriceAge,
		maxConfidenceRatio: maxConfidenceRatio,
	}
}

// CheckQuote validates an oracle quote against the configured staleness and
// confidence bounds. A non-positive price is always rejected.
func (a *Accountant) CheckQuote(q domain.PriceQuote, now time.Time) error {
	if !q.Price.IsPositive() {
		return fmt.Errorf("accounting: non-positive mark price %s for %s: %w", q.Price, q.Asset, domain.ErrStaleOracle)
	}
	if age := now.Sub(q.At); age > a.maxPriceAge {
		return fmt.Errorf("accounting: quote for %s is %s old (max %s): %w", q.Asset, age, a.maxPriceAge, domain.ErrStaleOracle)
	}
	if a.maxConfidenceRatio.IsPositive() && !q.Confidence.IsZero() {
		ratio, err := fixedpoint.Div(q.Confidence.Abs(), q.Price)
		if err != nil {
			return err
		}
		if ratio.GreaterThan(a.maxConfidenceRatio) {
			return fmt.Errorf("accounting: quote confidence %s too wide for price %s: %w", q.Confidence, q.Price, domain.ErrStaleOracle)
		}
	}
	return nil
}

// UnrealizedPnL derives the position's mark-to-market profit. With signed
// notional the same expression covers both directions: base size is
// notional/markPrice, and profit is size times the move from entry.
func UnrealizedPnL(p domain.Position, markPrice decimal.Decimal) (decimal.Decimal, error) {
	if !p.IsOpen() {
		return decimal.Zero, nil
	}
	size, err := fixedpoint.Div(p.Notional, markPrice)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Mul(size, markPrice.Sub(p.EntryPrice))
}

// Equity computes total vault equity: collateral plus unrealized PnL minus
// accrued liabilities (funding owed).
func Equity(collateral decimal.Decimal, p domain.Position, markPrice decimal.Decimal) (decimal.Decimal, error) {
	pnl, err := UnrealizedPnL(p, markPrice)
	if err != nil {
		return decimal.Zero, err
	}
	eq, err := fixedpoint.Add(collateral, pnl)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Sub(eq, p.AccruedFunding)
}

// NAVPerToken computes equity per outstanding token unit.
//
// Zero supply with non-zero equity is a protocol inconsistency: value exists
// with no claimants, and any correction would move value by guesswork. The
// caller must halt the vault, not paper over it. Zero supply with zero equity
// returns zero; mint substitutes the bootstrap NAV there.
func NAVPerToken(equity, supply decimal.Decimal) (decimal.Decimal, error) {
	if supply.IsZero() {
		if !equity.IsZero() {
			return decimal.Zero, fmt.Errorf("accounting: equity %s with zero supply: %w", equity, domain.ErrZeroSupplyNonZeroEquity)
		}
		return decimal.Zero, nil
	}
	return fixedpoint.Div(equity, supply)
}

// CurrentLeverage derives realized leverage |notional|/equity. A position
// with non-positive equity has no finite leverage; that state is under
// margin by definition.
func CurrentLeverage(p domain.Position, equity decimal.Decimal) (decimal.Decimal, error) {
	if !p.IsOpen() {
		return decimal.Zero, nil
	}
	if !equity.IsPositive() {
		return decimal.Zero, fmt.Errorf("accounting: equity %s with open notional %s: %w", equity, p.Notional, domain.ErrInsufficientMargin)
	}
	return fixedpoint.Div(p.Notional.Abs(), equity)
}

// Snapshot assembles the full derived view used by the API and the engine.
func (a *Accountant) Snapshot(v domain.Vault, p domain.Position, supply decimal.Decimal, q domain.PriceQuote, now time.Time) (domain.NAVSnapshot, error) {
	if err := a.CheckQuote(q, now); err != nil {
		return domain.NAVSnapshot{}, err
	}
	equity, err := Equity(v.Collateral, p, q.Price)
	if err != nil {
		return domain.NAVSnapshot{}, err
	}
	nav, err := NAVPerToken(equity, supply)
	if err != nil {
		return domain.NAVSnapshot{}, err
	}
	var lev decimal.Decimal
	if p.IsOpen() {
		lev, err = CurrentLeverage(p, equity)
		if err != nil {
			return domain.NAVSnapshot{}, err
		}
	}
	return domain.NAVSnapshot{
		Symbol:          v.Symbol,
		Equity:          equity,
		Supply:          supply,
		NAVPerToken:     nav,
		MarkPrice:       q.Price,
		CurrentLeverage: lev,
		At:              now,
	}, nil
}
