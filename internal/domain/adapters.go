package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceOracle reads the current mark price for an asset. Implementations must
// report the observation time and confidence so the accountant can enforce
// staleness bounds; they must not block beyond the context deadline.
type PriceOracle interface {
	MarkPrice(ctx context.Context, asset string) (PriceQuote, error)
}

// PositionAdjustment is one order against the venue: grow or shrink the
// vault's perp exposure by NotionalDelta (signed the same way as
// Position.Notional; a negative delta on a long position reduces it).
type PositionAdjustment struct {
	Symbol        string
	NotionalDelta decimal.Decimal
	// MaxSlippageBps caps the execution price deviation from the current
	// mark, in basis points. The venue must reject rather than fill past it.
	MaxSlippageBps decimal.Decimal
}

// PositionFill is the venue's report of an executed (possibly partial)
// adjustment.
type PositionFill struct {
	// FilledDelta is the notional actually executed, signed. A magnitude
	// short of the requested delta is a partial fill.
	FilledDelta decimal.Decimal
	NewNotional decimal.Decimal
	NewEntry    decimal.Decimal
	NewMargin   decimal.Decimal
	// RealizedPnL is profit or loss (including settled funding) converted
	// to collateral by this adjustment. Non-zero only when reducing.
	RealizedPnL decimal.Decimal
}

// PositionVenue wraps the external derivatives venue. The vault is the sole
// authorized caller; no other component may place orders.
//
// AdjustPosition is the single suspending point of every engine operation:
// its confirmed fill gates the commit of all local state.
type PositionVenue interface {
	Position(ctx context.Context, symbol string) (Position, error)
	AdjustPosition(ctx context.Context, adj PositionAdjustment) (PositionFill, error)
}

// SupplyLedger mints and burns leveraged-token units. It is authoritative for
// total supply and assumed atomic per call.
type SupplyLedger interface {
	Mint(ctx context.Context, symbol, account string, amount decimal.Decimal) error
	// Burn removes amount from the account's balance. It fails with
	// ErrInsufficientSupply if the account holds less than amount.
	Burn(ctx context.Context, symbol, account string, amount decimal.Decimal) error
	TotalSupply(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balance(ctx context.Context, symbol, account string) (decimal.Decimal, error)
}
