package venue

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/oracle"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decEq(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

func newPaper(price string) (*Paper, *oracle.Stub) {
	stub := oracle.NewStub(map[string]decimal.Decimal{"ETH": dec(price)})
	p := NewPaper(stub, dec("10"))
	p.Register("ETH3L", "ETH")
	return p, stub
}

func TestPaperOpensAtMark(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper("2000")

	fill, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.NoError(t, err)
	decEq(t, "300", fill.FilledDelta)
	decEq(t, "300", fill.NewNotional)
	decEq(t, "2000", fill.NewEntry)
	decEq(t, "30", fill.NewMargin)
	decEq(t, "0", fill.RealizedPnL)

	pos, err := p.Position(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "300", pos.Notional)
	decEq(t, "2000", pos.EntryPrice)
}

func TestPaperBlendsEntryOnIncrease(t *testing.T) {
	ctx := context.Background()
	p, stub := newPaper("2000")

	_, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.NoError(t, err)

	// Increase at a higher mark. The blended entry must leave unrealized
	// PnL at the mark unchanged: before the increase it was
	// 300/2400 * 400 = 50, and 480/2400 * (2400 - entry) must equal 50.
	stub.SetPrice("ETH", dec("2400"))
	fill, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("180")})
	require.NoError(t, err)
	decEq(t, "480", fill.NewNotional)
	decEq(t, "0", fill.RealizedPnL)

	pnl := fill.NewNotional.Div(dec("2400")).Mul(dec("2400").Sub(fill.NewEntry))
	assert.True(t, pnl.Sub(dec("50")).Abs().LessThan(dec("0.000001")), "carried pnl %s", pnl)
}

func TestPaperRealizesOnDecrease(t *testing.T) {
	ctx := context.Background()
	p, stub := newPaper("2000")

	_, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.NoError(t, err)
	p.AccrueFunding("ETH3L", dec("4"))

	// Close a third at 2400: total pnl = 300/2400 * 400 = 50, realized
	// share = 50/3, minus the 4 funding settled on reduction.
	stub.SetPrice("ETH", dec("2400"))
	fill, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("-100")})
	require.NoError(t, err)
	decEq(t, "200", fill.NewNotional)
	// Entry keeps its value on a reduction.
	decEq(t, "2000", fill.NewEntry)

	want := dec("50").Div(dec("3")).Sub(dec("4"))
	assert.True(t, fill.RealizedPnL.Sub(want).Abs().LessThan(dec("0.000001")), "realized %s", fill.RealizedPnL)

	pos, err := p.Position(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "0", pos.AccruedFunding)
}

func TestPaperFullCloseResetsEntry(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper("2000")

	_, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("-300")})
	require.NoError(t, err)
	fill, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.NoError(t, err)
	decEq(t, "0", fill.NewNotional)
	decEq(t, "0", fill.NewEntry)
	decEq(t, "0", fill.NewMargin)

	pos, err := p.Position(ctx, "ETH3L")
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())
}

func TestPaperRejectsDirectionFlip(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper("2000")

	_, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.NoError(t, err)
	_, err = p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("-400")})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	// The rejected order changed nothing.
	pos, err := p.Position(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "300", pos.Notional)
}

func TestPaperPartialFill(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper("2000")

	p.SetFillRatio(dec("0.5"))
	fill, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.NoError(t, err)
	decEq(t, "150", fill.FilledDelta)
	decEq(t, "150", fill.NewNotional)
}

func TestPaperFailNext(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper("2000")

	venueErr := errors.New("rejected")
	p.FailNext(venueErr)
	_, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.ErrorIs(t, err, venueErr)

	// One-shot: the next order executes normally.
	_, err = p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "ETH3L", NotionalDelta: dec("300")})
	require.NoError(t, err)
}

func TestPaperUnknownSymbol(t *testing.T) {
	ctx := context.Background()
	p, _ := newPaper("2000")

	_, err := p.AdjustPosition(ctx, domain.PositionAdjustment{Symbol: "BTC3L", NotionalDelta: dec("100")})
	require.ErrorIs(t, err, domain.ErrNotFound)
}
