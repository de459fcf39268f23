package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasarlabs/quasard/internal/accounting"
	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/oracle"
	"github.com/quasarlabs/quasard/internal/venue"
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

func decClose(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	diff := got.Sub(dec(want)).Abs()
	assert.True(t, diff.LessThan(dec("0.000001")), "want ~%s, got %s", want, got)
}

// In-memory fakes for the store, ledger, lock, and bus adapters. The venue
// and oracle are the real paper implementations.

type memVaults struct {
	mu     sync.Mutex
	vaults map[string]domain.Vault
	cfgs   map[string]domain.LeverageConfig

	failUpdate error
}

func newMemVaults() *memVaults {
	return &memVaults{
		vaults: make(map[string]domain.Vault),
		cfgs:   make(map[string]domain.LeverageConfig),
	}
}

func (m *memVaults) Create(_ context.Context, v domain.Vault, cfg domain.LeverageConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[v.Symbol]; ok {
		return domain.ErrAlreadyInitialized
	}
	m.vaults[v.Symbol] = v
	m.cfgs[v.Symbol] = cfg
	return nil
}

func (m *memVaults) Get(_ context.Context, symbol string) (domain.Vault, domain.LeverageConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[symbol]
	if !ok {
		return domain.Vault{}, domain.LeverageConfig{}, domain.ErrNotFound
	}
	return v, m.cfgs[symbol], nil
}

func (m *memVaults) List(_ context.Context) ([]domain.Vault, []domain.LeverageConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var vs []domain.Vault
	var cs []domain.LeverageConfig
	for sym, v := range m.vaults {
		vs = append(vs, v)
		cs = append(cs, m.cfgs[sym])
	}
	return vs, cs, nil
}

func (m *memVaults) UpdateCollateral(_ context.Context, symbol string, collateral decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		return m.failUpdate
	}
	v, ok := m.vaults[symbol]
	if !ok {
		return domain.ErrNotFound
	}
	v.Collateral = collateral
	v.UpdatedAt = time.Now().UTC()
	m.vaults[symbol] = v
	return nil
}

func (m *memVaults) Halt(_ context.Context, symbol, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[symbol]
	if !ok {
		return domain.ErrNotFound
	}
	v.Halted = true
	v.HaltReason = reason
	m.vaults[symbol] = v
	return nil
}

func (m *memVaults) collateral(symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaults[symbol].Collateral
}

func (m *memVaults) halted(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaults[symbol].Halted
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal
	supply   map[string]decimal.Decimal

	failMint error
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances: make(map[string]map[string]decimal.Decimal),
		supply:   make(map[string]decimal.Decimal),
	}
}

func (m *memLedger) Mint(_ context.Context, symbol, account string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMint != nil {
		return m.failMint
	}
	if m.balances[symbol] == nil {
		m.balances[symbol] = make(map[string]decimal.Decimal)
	}
	m.balances[symbol][account] = m.balances[symbol][account].Add(amount)
	m.supply[symbol] = m.supply[symbol].Add(amount)
	return nil
}

func (m *memLedger) Burn(_ context.Context, symbol, account string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balances[symbol][account]
	if bal.LessThan(amount) {
		return domain.ErrInsufficientSupply
	}
	m.balances[symbol][account] = bal.Sub(amount)
	m.supply[symbol] = m.supply[symbol].Sub(amount)
	return nil
}

func (m *memLedger) TotalSupply(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supply[symbol], nil
}

func (m *memLedger) Balance(_ context.Context, symbol, account string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[symbol][account], nil
}

type memOps struct {
	mu  sync.Mutex
	ops []domain.Operation
}

func (m *memOps) Insert(_ context.Context, op domain.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *memOps) List(_ context.Context, symbol string, _ domain.ListOpts) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Operation
	for _, op := range m.ops {
		if op.Symbol == symbol {
			out = append(out, op)
		}
	}
	return out, nil
}

func (m *memOps) ListBefore(_ context.Context, before time.Time) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Operation
	for _, op := range m.ops {
		if op.CreatedAt.Before(before) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (m *memOps) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Operation
	var n int64
	for _, op := range m.ops {
		if op.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, op)
	}
	m.ops = kept
	return n, nil
}

func (m *memOps) last(t *testing.T) domain.Operation {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.ops)
	return m.ops[len(m.ops)-1]
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

type memBus struct {
	mu     sync.Mutex
	events []string
}

func (m *memBus) Publish(_ context.Context, event string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type harness struct {
	engine *Engine
	vaults *memVaults
	ops    *memOps
	ledger *memLedger
	locks  *memLocks
	bus    *memBus
	paper  *venue.Paper
	oracle *oracle.Stub
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.BootstrapNAV.IsZero() {
		cfg.BootstrapNAV = dec("1")
	}
	if cfg.MaxSlippageBps.IsZero() {
		cfg.MaxSlippageBps = dec("50")
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}

	h := &harness{
		vaults: newMemVaults(),
		ops:    &memOps{},
		ledger: newMemLedger(),
		locks:  newMemLocks(),
		bus:    &memBus{},
		oracle: oracle.NewStub(map[string]decimal.Decimal{"ETH": dec("2000")}),
	}
	h.paper = venue.NewPaper(h.oracle, dec("10"))
	h.paper.Register("ETH3L", "ETH")
	h.paper.Register("ETH3S", "ETH")

	acct := accounting.New(time.Minute, dec("0.02"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(h.vaults, h.ops, h.ledger, h.paper, h.oracle, h.locks, h.bus, acct, cfg, logger)
	return h
}

func longConfig() domain.LeverageConfig {
	return domain.LeverageConfig{
		Symbol:             "ETH3L",
		BaseAsset:          "ETH",
		TargetLeverage:     dec("3"),
		RebalanceThreshold: dec("0.1"),
		Direction:          domain.DirectionLong,
	}
}

func (h *harness) initialize(t *testing.T, cfg domain.LeverageConfig) {
	t.Helper()
	_, err := h.engine.Initialize(context.Background(), cfg)
	require.NoError(t, err)
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	v, err := h.engine.Initialize(ctx, longConfig())
	require.NoError(t, err)
	assert.Equal(t, "ETH3L", v.Symbol)
	decEq(t, "0", v.Collateral)

	// Same parameters: idempotent.
	_, err = h.engine.Initialize(ctx, longConfig())
	require.NoError(t, err)

	// Different parameters under the same symbol: conflict.
	changed := longConfig()
	changed.TargetLeverage = dec("5")
	_, err = h.engine.Initialize(ctx, changed)
	require.ErrorIs(t, err, domain.ErrAlreadyInitialized)

	// Invalid parameters rejected before any state is touched.
	for _, cfg := range []domain.LeverageConfig{
		{Symbol: "", BaseAsset: "ETH", TargetLeverage: dec("3"), RebalanceThreshold: dec("0.1"), Direction: domain.DirectionLong},
		{Symbol: "X", BaseAsset: "ETH", TargetLeverage: dec("0"), RebalanceThreshold: dec("0.1"), Direction: domain.DirectionLong},
		{Symbol: "X", BaseAsset: "ETH", TargetLeverage: dec("3"), RebalanceThreshold: dec("0"), Direction: domain.DirectionLong},
		{Symbol: "X", BaseAsset: "ETH", TargetLeverage: dec("3"), RebalanceThreshold: dec("0.1"), Direction: "sideways"},
	} {
		_, err := h.engine.Initialize(ctx, cfg)
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
	}
}

func TestMintBootstrap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	res, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)
	decEq(t, "100", res.TokensMinted)
	decEq(t, "1", res.NAVPerToken)
	decEq(t, "300", res.NotionalDelta)
	decEq(t, "300", res.NewNotional)

	decEq(t, "100", h.vaults.collateral("ETH3L"))
	supply, err := h.ledger.TotalSupply(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "100", supply)

	pos, err := h.paper.Position(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "300", pos.Notional)
	decEq(t, "2000", pos.EntryPrice)

	snap, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "100", snap.Equity)
	decEq(t, "1", snap.NAVPerToken)
	decEq(t, "3", snap.CurrentLeverage)
}

func TestMintPreservesNAVAfterPriceMove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)

	// Mark moves 2000 -> 2500: pnl = 300/2500 * 500 = 60, equity 160,
	// NAV 1.6. A second deposit must be priced at that NAV without
	// diluting or enriching the first holder.
	h.oracle.SetPrice("ETH", dec("2500"))

	before, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "1.6", before.NAVPerToken)

	res, err := h.engine.Mint(ctx, "ETH3L", "bob", dec("160"))
	require.NoError(t, err)
	decEq(t, "100", res.TokensMinted)
	decEq(t, "1.6", res.NAVPerToken)
	decEq(t, "480", res.NotionalDelta)
	decEq(t, "780", res.NewNotional)

	after, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "200", after.Supply)
	decClose(t, "1.6", after.NAVPerToken)
}

func TestMintFeeAccruesToHolders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MintFeeBps: dec("10")})
	h.initialize(t, longConfig())

	res, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("1000"))
	require.NoError(t, err)
	decEq(t, "1", res.Fee)
	decEq(t, "999", res.TokensMinted)
	// Position sizes against the net deposit; the fee stays unlevered.
	decEq(t, "2997", res.NotionalDelta)
	// The gross deposit becomes collateral, so NAV lands above 1.
	decEq(t, "1000", h.vaults.collateral("ETH3L"))

	snap, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	assert.True(t, snap.NAVPerToken.GreaterThan(dec("1")), "nav %s", snap.NAVPerToken)
}

func TestMintRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.engine.Mint(ctx, "ETH3L", "alice", dec("-5"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.engine.Mint(ctx, "BTC3L", "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestRedeemProportional(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)
	_, err = h.engine.Mint(ctx, "ETH3L", "bob", dec("50"))
	require.NoError(t, err)

	res, err := h.engine.Redeem(ctx, "ETH3L", "alice", dec("50"))
	require.NoError(t, err)
	decEq(t, "50", res.Withdrawal)
	decEq(t, "1", res.NAVPerToken)
	decEq(t, "-150", res.NotionalDelta)
	decEq(t, "300", res.NewNotional)
	assert.False(t, res.PositionClosed)

	// Remaining holders see unchanged NAV and unchanged leverage.
	snap, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "100", snap.Supply)
	decEq(t, "1", snap.NAVPerToken)
	decEq(t, "3", snap.CurrentLeverage)
}

func TestRedeemFinalClosesPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RedeemFeeBps: dec("10")})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)

	res, err := h.engine.Redeem(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)
	assert.True(t, res.PositionClosed)
	// The final redemption pays out everything, fee waived, so nothing
	// survives with zero claimants.
	decEq(t, "100", res.Withdrawal)
	decEq(t, "0", res.Fee)
	decEq(t, "0", res.NewNotional)
	decEq(t, "0", h.vaults.collateral("ETH3L"))

	supply, err := h.ledger.TotalSupply(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "0", supply)
	pos, err := h.paper.Position(ctx, "ETH3L")
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())

	// The emptied vault accepts a fresh bootstrap mint.
	mres, err := h.engine.Mint(ctx, "ETH3L", "carol", dec("40"))
	require.NoError(t, err)
	decEq(t, "40", mres.TokensMinted)
	decEq(t, "1", mres.NAVPerToken)
}

func TestMintRedeemRoundTripNeverProfits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RedeemFeeBps: dec("10")})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)
	_, err = h.engine.Mint(ctx, "ETH3L", "bob", dec("100"))
	require.NoError(t, err)

	// No price change: redeeming the freshly minted tokens returns the
	// deposit minus the fee, never more.
	res, err := h.engine.Redeem(ctx, "ETH3L", "bob", dec("100"))
	require.NoError(t, err)
	decEq(t, "0.1", res.Fee)
	decEq(t, "99.9", res.Withdrawal)
	assert.True(t, res.Withdrawal.LessThanOrEqual(dec("100")))

	// The retained fee accrues to the remaining holder.
	snap, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "100", snap.Supply)
	decEq(t, "1.001", snap.NAVPerToken)
}

func TestRedeemRejectsOverBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)
	_, err = h.engine.Mint(ctx, "ETH3L", "bob", dec("50"))
	require.NoError(t, err)

	// Over total supply.
	_, err = h.engine.Redeem(ctx, "ETH3L", "alice", dec("200"))
	require.ErrorIs(t, err, domain.ErrInsufficientSupply)
	// Within supply but over the account's balance.
	_, err = h.engine.Redeem(ctx, "ETH3L", "bob", dec("60"))
	require.ErrorIs(t, err, domain.ErrInsufficientSupply)

	_, err = h.engine.Redeem(ctx, "ETH3L", "alice", dec("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestUnderwaterVaultRejectsMintAndRedeem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)

	// 2000 -> 1200: pnl = 300/1200 * -800 = -200, equity -100, NAV -1.
	// A redeem priced at that NAV would pay a negative withdrawal and
	// grow the position; both entry points must refuse instead.
	h.oracle.SetPrice("ETH", dec("1200"))

	_, err = h.engine.Redeem(ctx, "ETH3L", "alice", dec("10"))
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	_, err = h.engine.Mint(ctx, "ETH3L", "bob", dec("50"))
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	// Nothing committed and nothing halted: the state is recoverable.
	decEq(t, "100", h.vaults.collateral("ETH3L"))
	supply, err := h.ledger.TotalSupply(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "100", supply)
	pos, err := h.paper.Position(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "300", pos.Notional)
	assert.False(t, h.vaults.halted("ETH3L"))
	assert.Equal(t, "insufficient_liquidity", h.ops.last(t).ErrKind)

	// Exactly zero equity (1500: pnl = 300/1500 * -500 = -100) is still
	// worthless supply, not a payable claim.
	h.oracle.SetPrice("ETH", dec("1500"))
	_, err = h.engine.Redeem(ctx, "ETH3L", "alice", dec("10"))
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	// A price recovery revives the vault without intervention.
	h.oracle.SetPrice("ETH", dec("2000"))
	res, err := h.engine.Redeem(ctx, "ETH3L", "alice", dec("10"))
	require.NoError(t, err)
	decEq(t, "10", res.Withdrawal)
}

func TestRebalanceIncreaseAfterProfit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)

	// 2000 -> 2400: pnl = 300/2400 * 400 = 50, equity 150, leverage
	// falls to 2. Rebalance grows notional to the target 3 * 150 = 450.
	h.oracle.SetPrice("ETH", dec("2400"))

	res, err := h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionIncrease, res.Action)
	decEq(t, "2", res.LeverageBefore)
	decClose(t, "3", res.LeverageAfter)
	decEq(t, "150", res.NotionalDelta)
	decEq(t, "450", res.NewNotional)

	// Increasing realizes nothing; collateral is untouched and equity is
	// conserved across the adjustment.
	decEq(t, "100", h.vaults.collateral("ETH3L"))
	snap, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decClose(t, "150", snap.Equity)
	decClose(t, "3", snap.CurrentLeverage)
}

func TestRebalanceDecreaseAfterLoss(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)

	// 2000 -> 1600: pnl = 300/1600 * -400 = -75, equity 25, leverage 12.
	// De-risking closes down to 3 * 25 = 75 notional and realizes the
	// proportional loss.
	h.oracle.SetPrice("ETH", dec("1600"))

	res, err := h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionDecrease, res.Action)
	decEq(t, "12", res.LeverageBefore)
	decClose(t, "3", res.LeverageAfter)
	decEq(t, "-225", res.NotionalDelta)
	decEq(t, "75", res.NewNotional)
	decEq(t, "43.75", h.vaults.collateral("ETH3L"))

	snap, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decClose(t, "25", snap.Equity)
	decClose(t, "3", snap.CurrentLeverage)
}

func TestRebalanceNoOpInsideBand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	// Nothing outstanding: no exposure to steer.
	res, err := h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)

	_, err = h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)

	res, err = h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	decEq(t, "3", res.LeverageBefore)
	assert.Equal(t, domain.OpStatusNoAction, h.ops.last(t).Status)

	// Small drift inside the +/-0.1 band: 2000 -> 2010 leaves leverage
	// just under 3, still a no-op.
	h.oracle.SetPrice("ETH", dec("2010"))
	res, err = h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
}

func TestRebalanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)
	h.oracle.SetPrice("ETH", dec("2400"))

	first, err := h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionIncrease, first.Action)

	second, err := h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, second.Action)
}

func TestShortDirection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	cfg := domain.LeverageConfig{
		Symbol:             "ETH3S",
		BaseAsset:          "ETH",
		TargetLeverage:     dec("3"),
		RebalanceThreshold: dec("0.1"),
		Direction:          domain.DirectionShort,
	}
	h.initialize(t, cfg)

	res, err := h.engine.Mint(ctx, "ETH3S", "alice", dec("100"))
	require.NoError(t, err)
	decEq(t, "-300", res.NotionalDelta)
	decEq(t, "-300", res.NewNotional)

	// A price drop is profit for the short: pnl = -300/1600 * -400 = 75.
	h.oracle.SetPrice("ETH", dec("1600"))
	snap, err := h.engine.Snapshot(ctx, "ETH3S")
	require.NoError(t, err)
	decEq(t, "175", snap.Equity)
	decEq(t, "1.75", snap.NAVPerToken)
}

func TestSlippageRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	h.paper.SetFillRatio(dec("0.5"))
	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	// Nothing committed locally.
	decEq(t, "0", h.vaults.collateral("ETH3L"))
	supply, err := h.ledger.TotalSupply(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "0", supply)
	assert.False(t, h.vaults.halted("ETH3L"))
	assert.Equal(t, domain.OpStatusFailed, h.ops.last(t).Status)
	assert.Equal(t, "slippage_exceeded", h.ops.last(t).ErrKind)
}

func TestVenueFailureAborts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	venueErr := errors.New("venue: order rejected")
	h.paper.FailNext(venueErr)
	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.ErrorIs(t, err, venueErr)

	decEq(t, "0", h.vaults.collateral("ETH3L"))
	pos, err := h.paper.Position(ctx, "ETH3L")
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())
	assert.False(t, h.vaults.halted("ETH3L"))
}

func TestCommitFailureAfterFillHalts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	// The venue confirms the fill, then the ledger write fails: the
	// all-or-nothing guarantee can no longer be honored locally, so the
	// vault freezes for manual reconciliation.
	h.ledger.failMint = errors.New("ledger unavailable")
	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.Error(t, err)
	assert.True(t, h.vaults.halted("ETH3L"))

	h.ledger.failMint = nil
	_, err = h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrVaultHalted)
	_, err = h.engine.Rebalance(ctx, "ETH3L")
	require.ErrorIs(t, err, domain.ErrVaultHalted)
}

func TestZeroSupplyNonZeroEquityHalts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	// Value with no claimants is a protocol inconsistency; any operation
	// that observes it must halt rather than guess a correction.
	require.NoError(t, h.vaults.UpdateCollateral(ctx, "ETH3L", dec("5")))
	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrZeroSupplyNonZeroEquity)
	assert.True(t, h.vaults.halted("ETH3L"))
}

func TestLockHeldRejectsConcurrentOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	unlock, err := h.locks.Acquire(ctx, "vault:ETH3L", time.Minute)
	require.NoError(t, err)

	_, err = h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrLockHeld)
	_, err = h.engine.Rebalance(ctx, "ETH3L")
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	_, err = h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)
}

func TestMissingQuoteRejectsOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	cfg := longConfig()
	cfg.Symbol = "SOL3L"
	cfg.BaseAsset = "SOL"
	h.initialize(t, cfg)
	h.paper.Register("SOL3L", "SOL")

	_, err := h.engine.Mint(ctx, "SOL3L", "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrStaleOracle)
	decEq(t, "0", h.vaults.collateral("SOL3L"))
}

func TestFundingCountsAgainstEquity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.initialize(t, longConfig())

	_, err := h.engine.Mint(ctx, "ETH3L", "alice", dec("100"))
	require.NoError(t, err)

	// 10 owed to the venue: equity 90, leverage 300/90 drifts above the
	// band, and the decrease settles the funding into collateral.
	h.paper.AccrueFunding("ETH3L", dec("10"))

	snap, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decEq(t, "90", snap.Equity)
	decEq(t, "0.9", snap.NAVPerToken)

	res, err := h.engine.Rebalance(ctx, "ETH3L")
	require.NoError(t, err)
	assert.Equal(t, ActionDecrease, res.Action)
	decEq(t, "270", res.NewNotional)
	decEq(t, "90", h.vaults.collateral("ETH3L"))

	after, err := h.engine.Snapshot(ctx, "ETH3L")
	require.NoError(t, err)
	decClose(t, "90", after.Equity)
	decClose(t, "3", after.CurrentLeverage)
}
