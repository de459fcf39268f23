package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// Paper is an in-memory simulated venue for paper trading and tests. It
// fills orders at the oracle mark price, blends entry prices on increases so
// unrealized PnL is preserved, and realizes PnL proportionally on decreases,
// matching how the live venue settles reductions.
type Paper struct {
	mu     sync.Mutex
	oracle domain.PriceOracle
	// maxLeverage sets the simulated margin requirement:
	// margin = |notional| / maxLeverage.
	maxLeverage decimal.Decimal

	assets    map[string]string // symbol -> base asset
	positions map[string]domain.Position

	fillRatio decimal.Decimal
	failNext  error
}

// NewPaper creates a paper venue marking positions against the given oracle.
func NewPaper(oracle domain.PriceOracle, maxLeverage decimal.Decimal) *Paper {
	return &Paper{
		oracle:      oracle,
		maxLeverage: maxLeverage,
		assets:      make(map[string]string),
		positions:   make(map[string]domain.Position),
		fillRatio:   decimal.NewFromInt(1),
	}
}

// Register maps a token symbol to the base asset its position marks against.
// Adjustments for unregistered symbols fail.
func (p *Paper) Register(symbol, baseAsset string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets[symbol] = baseAsset
}

// SetFillRatio makes subsequent orders fill only the given fraction of the
// requested delta, to exercise partial-fill handling.
func (p *Paper) SetFillRatio(r decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillRatio = r
}

// FailNext makes the next adjustment fail with err instead of executing.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// AccrueFunding adds simulated funding owed against the symbol's position.
func (p *Paper) AccrueFunding(symbol string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.positions[symbol]
	pos.Symbol = symbol
	pos.AccruedFunding = pos.AccruedFunding.Add(amount)
	p.positions[symbol] = pos
}

// Position returns the simulated position; flat if none has been opened.
func (p *Paper) Position(_ context.Context, symbol string) (domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return domain.Position{Symbol: symbol}, nil
	}
	return pos, nil
}

// AdjustPosition executes the order at the current mark price.
//
// Increases blend the entry price so existing unrealized PnL carries over
// unchanged. Decreases realize PnL in proportion to the reduced fraction and
// settle all accrued funding into the realized amount.
func (p *Paper) AdjustPosition(ctx context.Context, adj domain.PositionAdjustment) (domain.PositionFill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return domain.PositionFill{}, err
	}

	asset, ok := p.assets[adj.Symbol]
	if !ok {
		return domain.PositionFill{}, fmt.Errorf("paper: symbol %s not registered: %w", adj.Symbol, domain.ErrNotFound)
	}
	quote, err := p.oracle.MarkPrice(ctx, asset)
	if err != nil {
		return domain.PositionFill{}, fmt.Errorf("paper: mark price for %s: %w", asset, err)
	}
	mark := quote.Price

	pos := p.positions[adj.Symbol]
	pos.Symbol = adj.Symbol

	filled := adj.NotionalDelta.Mul(p.fillRatio)
	newNotional := pos.Notional.Add(filled)

	// A reduction overshooting through zero would flip the position's
	// direction, which no engine operation ever requests.
	if !pos.Notional.IsZero() && pos.Notional.Sign() != newNotional.Sign() && !newNotional.IsZero() {
		return domain.PositionFill{}, fmt.Errorf("paper: delta %s would flip position %s: %w", filled, pos.Notional, domain.ErrInvalidAmount)
	}

	realized := decimal.Zero
	entry := pos.EntryPrice

	increasing := pos.Notional.IsZero() || filled.Sign() == pos.Notional.Sign()
	switch {
	case pos.Notional.IsZero():
		entry = mark
	case increasing:
		// Blend entry so PnL at the current mark is unchanged:
		// newEntry = mark - oldNotional*(mark-oldEntry)/newNotional.
		carried := pos.Notional.Mul(mark.Sub(pos.EntryPrice)).Div(newNotional)
		entry = mark.Sub(carried)
	default:
		fraction := filled.Abs().Div(pos.Notional.Abs())
		pnl := pos.Notional.Div(mark).Mul(mark.Sub(pos.EntryPrice))
		realized = pnl.Mul(fraction).Sub(pos.AccruedFunding)
		pos.AccruedFunding = decimal.Zero
		if newNotional.IsZero() {
			entry = decimal.Zero
		}
	}

	pos.Notional = newNotional
	pos.EntryPrice = entry
	pos.MarginUsed = decimal.Zero
	if p.maxLeverage.IsPositive() {
		pos.MarginUsed = newNotional.Abs().Div(p.maxLeverage)
	}
	p.positions[adj.Symbol] = pos

	return domain.PositionFill{
		FilledDelta: filled,
		NewNotional: pos.Notional,
		NewEntry:    pos.EntryPrice,
		NewMargin:   pos.MarginUsed,
		RealizedPnL: realized,
	}, nil
}

// Compile-time interface check.
var _ domain.PositionVenue = (*Paper)(nil)
