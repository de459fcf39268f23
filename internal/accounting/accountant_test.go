package accounting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasarlabs/quasard/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCheckQuote(t *testing.T) {
	acct := New(10*time.Second, dec("0.01"))
	now := time.Now()

	tests := []struct {
		name    string
		quote   domain.PriceQuote
		wantErr error
	}{
		{
			name:  "fresh quote passes",
			quote: domain.PriceQuote{Asset: "ETH", Price: dec("2000"), Confidence: dec("1"), At: now.Add(-time.Second)},
		},
		{
			name:    "stale quote rejected",
			quote:   domain.PriceQuote{Asset: "ETH", Price: dec("2000"), At: now.Add(-time.Minute)},
			wantErr: domain.ErrStaleOracle,
		},
		{
			name:    "wide confidence rejected",
			quote:   domain.PriceQuote{Asset: "ETH", Price: dec("2000"), Confidence: dec("100"), At: now},
			wantErr: domain.ErrStaleOracle,
		},
		{
			name:    "zero price rejected",
			quote:   domain.PriceQuote{Asset: "ETH", Price: decimal.Zero, At: now},
			wantErr: domain.ErrStaleOracle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := acct.CheckQuote(tt.quote, now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUnrealizedPnL(t *testing.T) {
	// Long 300 notional entered at 100, mark now 110:
	// size = 300/110, pnl = size * 10.
	long := domain.Position{Notional: dec("300"), EntryPrice: dec("100")}
	pnl, err := UnrealizedPnL(long, dec("110"))
	require.NoError(t, err)
	assert.True(t, pnl.Sub(dec("27.2727")).Abs().LessThan(dec("0.001")), "got %s", pnl)

	// Short profits when the mark falls below entry.
	short := domain.Position{Notional: dec("-300"), EntryPrice: dec("100")}
	pnl, err = UnrealizedPnL(short, dec("90"))
	require.NoError(t, err)
	assert.True(t, pnl.IsPositive(), "short pnl should be positive on a drop, got %s", pnl)

	// Flat position has no PnL regardless of price.
	flat := domain.Position{}
	pnl, err = UnrealizedPnL(flat, dec("12345"))
	require.NoError(t, err)
	assert.True(t, pnl.IsZero())
}

func TestEquityDeductsFunding(t *testing.T) {
	p := domain.Position{Notional: dec("300"), EntryPrice: dec("100"), AccruedFunding: dec("2")}
	eq, err := Equity(dec("100"), p, dec("100"))
	require.NoError(t, err)
	assert.True(t, eq.Equal(dec("98")), "got %s", eq)
}

func TestNAVPerToken(t *testing.T) {
	nav, err := NAVPerToken(dec("130"), dec("100"))
	require.NoError(t, err)
	assert.True(t, nav.Equal(dec("1.3")))

	// Zero supply, zero equity: defined as zero.
	nav, err = NAVPerToken(decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, nav.IsZero())

	// Zero supply with equity is a protocol inconsistency.
	_, err = NAVPerToken(dec("5"), decimal.Zero)
	require.ErrorIs(t, err, domain.ErrZeroSupplyNonZeroEquity)
}

func TestCurrentLeverage(t *testing.T) {
	p := domain.Position{Notional: dec("300"), EntryPrice: dec("100")}
	lev, err := CurrentLeverage(p, dec("130"))
	require.NoError(t, err)
	assert.True(t, lev.Sub(dec("2.3077")).Abs().LessThan(dec("0.001")), "got %s", lev)

	// Short notional uses its magnitude.
	p.Notional = dec("-300")
	lev2, err := CurrentLeverage(p, dec("130"))
	require.NoError(t, err)
	assert.True(t, lev.Equal(lev2))

	// Open notional with no equity is under margin.
	_, err = CurrentLeverage(p, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrInsufficientMargin)
}

func TestSnapshotExampleScenario(t *testing.T) {
	// The worked example: 100 collateral, 300 notional at entry 100,
	// price up 10% -> equity 130, leverage ~2.31, NAV 1.30.
	acct := New(time.Minute, decimal.Zero)
	now := time.Now()

	v := domain.Vault{Symbol: "ETH3L", Collateral: dec("100")}
	p := domain.Position{Symbol: "ETH3L", Notional: dec("330"), EntryPrice: dec("100")}
	// Notional magnitude moves with the mark: 300 exposure at 100 becomes
	// 330 at 110 for the same base size.
	q := domain.PriceQuote{Asset: "ETH", Price: dec("110"), At: now}

	snap, err := acct.Snapshot(v, p, dec("100"), q, now)
	require.NoError(t, err)

	assert.True(t, snap.Equity.Equal(dec("130")), "equity %s", snap.Equity)
	assert.True(t, snap.NAVPerToken.Equal(dec("1.3")), "nav %s", snap.NAVPerToken)
	assert.True(t, snap.CurrentLeverage.Sub(dec("2.5385")).Abs().LessThan(dec("0.001")),
		"leverage %s", snap.CurrentLeverage)
}
