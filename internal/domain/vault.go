// Package domain defines the core types, adapter interfaces, and error
// taxonomy for the leveraged-token vault engine. It has no dependencies on
// concrete infrastructure; stores, caches, and venue clients implement the
// interfaces declared here.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the exposure direction of a leveraged token class.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign returns +1 for long exposure and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// LeverageConfig is the immutable definition of one leveraged token class.
type LeverageConfig struct {
	// Symbol identifies the token, e.g. "ETH3L".
	Symbol string
	// BaseAsset is the underlying the perp position tracks, e.g. "ETH".
	BaseAsset string
	// TargetLeverage is the exposure-to-equity multiple the vault maintains.
	TargetLeverage decimal.Decimal
	// RebalanceThreshold is the absolute leverage drift tolerated before a
	// rebalance acts, e.g. 0.1 for a ±0.1x band around the target.
	RebalanceThreshold decimal.Decimal
	Direction          Direction
}

// Vault owns the collateral backing one leveraged token class. Collateral is
// denominated in the quote asset and never negative at any commit point.
type Vault struct {
	Symbol     string
	Collateral decimal.Decimal
	// Halted marks a vault frozen for manual intervention after a
	// protocol-invariant violation. All operations except reads reject
	// with ErrVaultHalted while set.
	Halted     bool
	HaltReason string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Position is the vault's perpetual-futures exposure as reported by the
// venue. Notional is signed: positive for long, negative for short.
type Position struct {
	Symbol string
	// Notional is exposure size times mark price, signed by direction.
	Notional   decimal.Decimal
	EntryPrice decimal.Decimal
	MarginUsed decimal.Decimal
	// AccruedFunding is funding owed to the venue since the last
	// settlement. It counts against equity until settled.
	AccruedFunding decimal.Decimal
}

// IsOpen reports whether the position has any exposure.
func (p Position) IsOpen() bool {
	return !p.Notional.IsZero()
}

// PriceQuote is one oracle observation of a mark price.
type PriceQuote struct {
	Asset string
	Price decimal.Decimal
	// Confidence is the oracle's confidence interval around Price, in
	// price units. A wide interval relative to the price rejects the read.
	Confidence decimal.Decimal
	At         time.Time
}

// NAVSnapshot is a derived view of a vault's accounting state. It is never
// persisted as ground truth; it is recomputed from the vault, position, and
// oracle on every operation.
type NAVSnapshot struct {
	Symbol          string
	Equity          decimal.Decimal
	Supply          decimal.Decimal
	NAVPerToken     decimal.Decimal
	MarkPrice       decimal.Decimal
	CurrentLeverage decimal.Decimal
	At              time.Time
}
