// Package engine implements the leverage management engine: the mint, redeem,
// and rebalance operations that keep a leveraged token's perp position at its
// target leverage while conserving NAV for existing holders.
//
// Every operation is all-or-nothing with respect to vault state. It runs
// under the vault's distributed lock, reads the oracle exactly once, computes
// the intended deltas, and only commits local state (collateral, supply)
// after the venue confirms the position adjustment. The venue call is the
// single suspending point; before it nothing local has been mutated, so an
// abort needs no compensation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/accounting"
	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/fixedpoint"
)

// Config holds the engine's operating parameters, shared by all token
// classes.
type Config struct {
	// BootstrapNAV prices the very first mint, when supply and equity are
	// both zero. Conventionally 1.0 collateral unit per token.
	BootstrapNAV decimal.Decimal
	// MintFeeBps and RedeemFeeBps are protocol fees in basis points,
	// retained as vault collateral. Zero disables them.
	MintFeeBps   decimal.Decimal
	RedeemFeeBps decimal.Decimal
	// MaxSlippageBps bounds both the venue execution price deviation and
	// the tolerated fill shortfall on any position adjustment.
	MaxSlippageBps decimal.Decimal
	// LockTTL bounds how long a vault lock may be held before it expires
	// on its own. Must exceed the worst-case venue round trip.
	LockTTL time.Duration
}

// Engine orchestrates vault operations over the adapter interfaces.
type Engine struct {
	vaults domain.VaultStore
	ops    domain.OperationStore
	ledger domain.SupplyLedger
	venue  domain.PositionVenue
	oracle domain.PriceOracle
	locks  domain.LockManager
	bus    domain.EventBus
	acct   *accounting.Accountant
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine with all required dependencies.
func New(
	vaults domain.VaultStore,
	ops domain.OperationStore,
	ledger domain.SupplyLedger,
	venue domain.PositionVenue,
	oracle domain.PriceOracle,
	locks domain.LockManager,
	bus domain.EventBus,
	acct *accounting.Accountant,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		vaults: vaults,
		ops:    ops,
		ledger: ledger,
		venue:  venue,
		oracle: oracle,
		locks:  locks,
		bus:    bus,
		acct:   acct,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "engine")),
		now:    time.Now,
	}
}

// MintResult reports a completed mint.
type MintResult struct {
	Symbol        string          `json:"symbol"`
	Account       string          `json:"account"`
	Deposit       decimal.Decimal `json:"deposit"`
	Fee           decimal.Decimal `json:"fee"`
	TokensMinted  decimal.Decimal `json:"tokens_minted"`
	NAVPerToken   decimal.Decimal `json:"nav_per_token"`
	NotionalDelta decimal.Decimal `json:"notional_delta"`
	NewNotional   decimal.Decimal `json:"new_notional"`
}

// RedeemResult reports a completed redeem.
type RedeemResult struct {
	Symbol         string          `json:"symbol"`
	Account        string          `json:"account"`
	TokensBurned   decimal.Decimal `json:"tokens_burned"`
	Withdrawal     decimal.Decimal `json:"withdrawal"`
	Fee            decimal.Decimal `json:"fee"`
	NAVPerToken    decimal.Decimal `json:"nav_per_token"`
	NotionalDelta  decimal.Decimal `json:"notional_delta"`
	NewNotional    decimal.Decimal `json:"new_notional"`
	PositionClosed bool            `json:"position_closed"`
}

// RebalanceAction describes what a rebalance did.
type RebalanceAction string

const (
	// ActionNone means leverage was already inside the threshold band.
	ActionNone RebalanceAction = "none"
	// ActionIncrease reinvested profit: leverage had fallen below target.
	ActionIncrease RebalanceAction = "increase"
	// ActionDecrease de-risked: leverage had risen above target.
	ActionDecrease RebalanceAction = "decrease"
)

// RebalanceResult reports a rebalance outcome.
type RebalanceResult struct {
	Symbol         string          `json:"symbol"`
	Action         RebalanceAction `json:"action"`
	LeverageBefore decimal.Decimal `json:"leverage_before"`
	LeverageAfter  decimal.Decimal `json:"leverage_after"`
	TargetLeverage decimal.Decimal `json:"target_leverage"`
	NotionalDelta  decimal.Decimal `json:"notional_delta"`
	NewNotional    decimal.Decimal `json:"new_notional"`
}

func lockKey(symbol string) string {
	return "vault:" + symbol
}

// Initialize creates the vault for a new leveraged token class. It is
// idempotent: re-initializing with identical parameters returns the existing
// vault; re-initializing with different parameters fails with
// ErrAlreadyInitialized.
func (e *Engine) Initialize(ctx context.Context, cfg domain.LeverageConfig) (domain.Vault, error) {
	if cfg.Symbol == "" || cfg.BaseAsset == "" {
		return domain.Vault{}, fmt.Errorf("engine: symbol and base asset are required: %w", domain.ErrInvalidAmount)
	}
	if !cfg.Direction.Valid() {
		return domain.Vault{}, fmt.Errorf("engine: unknown direction %q: %w", cfg.Direction, domain.ErrInvalidAmount)
	}
	if !cfg.TargetLeverage.IsPositive() {
		return domain.Vault{}, fmt.Errorf("engine: target leverage %s must be positive: %w", cfg.TargetLeverage, domain.ErrInvalidAmount)
	}
	if !cfg.RebalanceThreshold.IsPositive() {
		return domain.Vault{}, fmt.Errorf("engine: rebalance threshold %s must be positive: %w", cfg.RebalanceThreshold, domain.ErrInvalidAmount)
	}

	unlock, err := e.locks.Acquire(ctx, lockKey(cfg.Symbol), e.cfg.LockTTL)
	if err != nil {
		return domain.Vault{}, fmt.Errorf("engine: acquire vault lock %s: %w", cfg.Symbol, err)
	}
	defer unlock()

	if existing, existingCfg, err := e.vaults.Get(ctx, cfg.Symbol); err == nil {
		if existingCfg.BaseAsset == cfg.BaseAsset &&
			existingCfg.Direction == cfg.Direction &&
			existingCfg.TargetLeverage.Equal(cfg.TargetLeverage) &&
			existingCfg.RebalanceThreshold.Equal(cfg.RebalanceThreshold) {
			return existing, nil
		}
		return domain.Vault{}, fmt.Errorf("engine: token %s exists with different parameters: %w", cfg.Symbol, domain.ErrAlreadyInitialized)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Vault{}, fmt.Errorf("engine: load vault %s: %w", cfg.Symbol, err)
	}

	now := e.now().UTC()
	vault := domain.Vault{
		Symbol:     cfg.Symbol,
		Collateral: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.vaults.Create(ctx, vault, cfg); err != nil {
		return domain.Vault{}, fmt.Errorf("engine: create vault %s: %w", cfg.Symbol, err)
	}

	e.record(ctx, domain.Operation{
		ID:        uuid.New().String(),
		Symbol:    cfg.Symbol,
		Kind:      domain.OpInitialize,
		Status:    domain.OpStatusOK,
		CreatedAt: now,
	})
	e.publish(ctx, "initialized", cfg.Symbol, map[string]any{
		"base_asset":      cfg.BaseAsset,
		"direction":       string(cfg.Direction),
		"target_leverage": cfg.TargetLeverage.String(),
	})

	e.logger.InfoContext(ctx, "token initialized",
		slog.String("symbol", cfg.Symbol),
		slog.String("base_asset", cfg.BaseAsset),
		slog.String("target_leverage", cfg.TargetLeverage.String()),
	)
	return vault, nil
}

// Mint accepts a collateral deposit, issues tokens at the pre-deposit NAV,
// and grows the position by targetLeverage times the deposit so realized
// leverage is preserved. Post-mint NAV per token equals pre-mint NAV within
// one minimal unit of rounding.
func (e *Engine) Mint(ctx context.Context, symbol, account string, deposit decimal.Decimal) (MintResult, error) {
	if !deposit.IsPositive() {
		return MintResult{}, fmt.Errorf("engine: deposit %s must be positive: %w", deposit, domain.ErrInvalidAmount)
	}
	if err := fixedpoint.Check(deposit); err != nil {
		return MintResult{}, err
	}

	unlock, err := e.locks.Acquire(ctx, lockKey(symbol), e.cfg.LockTTL)
	if err != nil {
		return MintResult{}, fmt.Errorf("engine: acquire vault lock %s: %w", symbol, err)
	}
	defer unlock()

	st, err := e.loadState(ctx, symbol)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpMint, account, err)
		return MintResult{}, err
	}

	nav0 := st.nav
	if st.supply.IsZero() {
		nav0 = e.cfg.BootstrapNAV
	} else if !nav0.IsPositive() {
		// Underwater vault: outstanding tokens with no positive equity
		// behind them. A deposit cannot be priced here; losses must be
		// resolved (price recovery or manual intervention) first.
		err := fmt.Errorf("engine: vault %s is underwater, nav %s: %w", symbol, nav0, domain.ErrInsufficientLiquidity)
		e.recordFailure(ctx, symbol, domain.OpMint, account, err)
		return MintResult{}, err
	}

	fee := decimal.Zero
	depositNet := deposit
	if e.cfg.MintFeeBps.IsPositive() {
		fee = fixedpoint.FloorCollateral(deposit.Mul(fixedpoint.FromBps(e.cfg.MintFeeBps)))
		depositNet = deposit.Sub(fee)
	}

	rawTokens, err := fixedpoint.Div(depositNet, nav0)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpMint, account, err)
		return MintResult{}, err
	}
	// Floor to token precision; the sub-unit residue's collateral value
	// stays in the vault and accrues to all holders. Never silently lost,
	// and it can only raise NAV, never dilute it.
	tokens := fixedpoint.FloorTokens(rawTokens)
	if !tokens.IsPositive() {
		return MintResult{}, fmt.Errorf("engine: deposit %s is below one minimal token unit at NAV %s: %w", deposit, nav0, domain.ErrInvalidAmount)
	}

	delta, err := fixedpoint.Mul(st.cfg.TargetLeverage, depositNet)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpMint, account, err)
		return MintResult{}, err
	}
	delta = delta.Mul(st.cfg.Direction.Sign())

	fill, err := e.adjust(ctx, symbol, delta)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpMint, account, err)
		return MintResult{}, err
	}

	// Commit. The gross deposit (fee included) becomes vault collateral.
	newCollateral, err := fixedpoint.Add(st.vault.Collateral, deposit.Add(fill.RealizedPnL))
	if err != nil {
		e.haltAfterFill(ctx, symbol, err)
		return MintResult{}, err
	}
	if err := e.vaults.UpdateCollateral(ctx, symbol, newCollateral); err != nil {
		e.haltAfterFill(ctx, symbol, err)
		return MintResult{}, fmt.Errorf("engine: commit collateral for %s: %w", symbol, err)
	}
	if err := e.ledger.Mint(ctx, symbol, account, tokens); err != nil {
		e.haltAfterFill(ctx, symbol, err)
		return MintResult{}, fmt.Errorf("engine: mint %s tokens for %s: %w", tokens, account, err)
	}

	e.record(ctx, domain.Operation{
		ID:            uuid.New().String(),
		Symbol:        symbol,
		Kind:          domain.OpMint,
		Account:       account,
		Status:        domain.OpStatusOK,
		Deposit:       deposit,
		Tokens:        tokens,
		NotionalDelta: fill.FilledDelta,
		NAVPerToken:   nav0,
		MarkPrice:     st.quote.Price,
		CreatedAt:     e.now().UTC(),
	})
	e.publish(ctx, "minted", symbol, map[string]any{
		"account": account,
		"deposit": deposit.String(),
		"tokens":  tokens.String(),
		"nav":     nav0.String(),
	})

	e.logger.InfoContext(ctx, "mint committed",
		slog.String("symbol", symbol),
		slog.String("account", account),
		slog.String("deposit", deposit.String()),
		slog.String("tokens", tokens.String()),
		slog.String("nav", nav0.String()),
	)

	return MintResult{
		Symbol:        symbol,
		Account:       account,
		Deposit:       deposit,
		Fee:           fee,
		TokensMinted:  tokens,
		NAVPerToken:   nav0,
		NotionalDelta: fill.FilledDelta,
		NewNotional:   fill.NewNotional,
	}, nil
}

// Redeem burns tokens for a proportional share of equity and shrinks the
// position so leverage is preserved for remaining holders. Redeeming the
// final outstanding token closes the position entirely and pays out all
// remaining collateral, leaving no residual exposure or value.
func (e *Engine) Redeem(ctx context.Context, symbol, account string, tokens decimal.Decimal) (RedeemResult, error) {
	if !tokens.IsPositive() {
		return RedeemResult{}, fmt.Errorf("engine: token amount %s must be positive: %w", tokens, domain.ErrInvalidAmount)
	}

	unlock, err := e.locks.Acquire(ctx, lockKey(symbol), e.cfg.LockTTL)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("engine: acquire vault lock %s: %w", symbol, err)
	}
	defer unlock()

	st, err := e.loadState(ctx, symbol)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
		return RedeemResult{}, err
	}

	if tokens.GreaterThan(st.supply) {
		err := fmt.Errorf("engine: burn %s exceeds supply %s: %w", tokens, st.supply, domain.ErrInsufficientSupply)
		e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
		return RedeemResult{}, err
	}
	balance, err := e.ledger.Balance(ctx, symbol, account)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("engine: load balance of %s: %w", account, err)
	}
	if tokens.GreaterThan(balance) {
		err := fmt.Errorf("engine: burn %s exceeds balance %s of %s: %w", tokens, balance, account, domain.ErrInsufficientSupply)
		e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
		return RedeemResult{}, err
	}

	if !st.nav.IsPositive() {
		// With non-positive NAV the proportional share is worth nothing
		// (or less). Paying it out would book a negative withdrawal and
		// grow the position on a redeem; refuse instead of moving value
		// backwards.
		err := fmt.Errorf("engine: vault %s is underwater, nav %s: %w", symbol, st.nav, domain.ErrInsufficientLiquidity)
		e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
		return RedeemResult{}, err
	}

	last := tokens.Equal(st.supply)

	gross, err := fixedpoint.Mul(tokens, st.nav)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
		return RedeemResult{}, err
	}
	fee := decimal.Zero
	if e.cfg.RedeemFeeBps.IsPositive() && !last {
		fee = fixedpoint.FloorCollateral(gross.Mul(fixedpoint.FromBps(e.cfg.RedeemFeeBps)))
	}
	// Withdrawal rounds down, in the vault's favor.
	net := fixedpoint.FloorCollateral(gross.Sub(fee))

	// Liquidity gate: after realizing the proportional share of PnL the
	// remaining collateral must still cover the venue's margin on the
	// remaining position.
	if !last && st.pos.IsOpen() {
		frac, err := fixedpoint.Div(tokens, st.supply)
		if err != nil {
			return RedeemResult{}, err
		}
		pnl, err := accounting.UnrealizedPnL(st.pos, st.quote.Price)
		if err != nil {
			return RedeemResult{}, err
		}
		estRealized := pnl.Sub(st.pos.AccruedFunding).Mul(frac)
		estMargin := st.pos.MarginUsed.Mul(decimal.NewFromInt(1).Sub(frac))
		free := st.vault.Collateral.Add(estRealized).Sub(estMargin)
		if net.GreaterThan(free) {
			err := fmt.Errorf("engine: withdrawal %s exceeds free collateral %s: %w", net, free, domain.ErrInsufficientLiquidity)
			e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
			return RedeemResult{}, err
		}
	}

	var delta decimal.Decimal
	if last {
		// Close the whole remaining notional, not the proportional
		// amount, so the position lands at exactly zero despite
		// rounding. No residual exposure with zero claimants.
		delta = st.pos.Notional.Neg()
	} else {
		d, err := fixedpoint.Mul(gross, st.cfg.TargetLeverage)
		if err != nil {
			e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
			return RedeemResult{}, err
		}
		delta = d.Mul(st.cfg.Direction.Sign()).Neg()
	}

	var fill domain.PositionFill
	if !delta.IsZero() {
		fill, err = e.adjust(ctx, symbol, delta)
		if err != nil {
			e.recordFailure(ctx, symbol, domain.OpRedeem, account, err)
			return RedeemResult{}, err
		}
	}

	newCollateral := st.vault.Collateral.Add(fill.RealizedPnL).Sub(net)
	if last {
		// The final redemption is paid exactly: everything the vault
		// holds after close, fee waived, so collateral ends at zero and
		// no dust survives with zero supply outstanding.
		net = st.vault.Collateral.Add(fill.RealizedPnL)
		newCollateral = decimal.Zero
		if !net.IsPositive() {
			net = decimal.Zero
		}
	}
	if newCollateral.IsNegative() {
		err := fmt.Errorf("engine: commit would leave negative collateral %s: %w", newCollateral, domain.ErrInsufficientLiquidity)
		e.haltAfterFill(ctx, symbol, err)
		return RedeemResult{}, err
	}

	if err := e.vaults.UpdateCollateral(ctx, symbol, newCollateral); err != nil {
		e.haltAfterFill(ctx, symbol, err)
		return RedeemResult{}, fmt.Errorf("engine: commit collateral for %s: %w", symbol, err)
	}
	if err := e.ledger.Burn(ctx, symbol, account, tokens); err != nil {
		e.haltAfterFill(ctx, symbol, err)
		return RedeemResult{}, fmt.Errorf("engine: burn %s tokens of %s: %w", tokens, account, err)
	}

	e.record(ctx, domain.Operation{
		ID:            uuid.New().String(),
		Symbol:        symbol,
		Kind:          domain.OpRedeem,
		Account:       account,
		Status:        domain.OpStatusOK,
		Withdrawal:    net,
		Tokens:        tokens,
		NotionalDelta: fill.FilledDelta,
		NAVPerToken:   st.nav,
		MarkPrice:     st.quote.Price,
		CreatedAt:     e.now().UTC(),
	})
	e.publish(ctx, "redeemed", symbol, map[string]any{
		"account":    account,
		"tokens":     tokens.String(),
		"withdrawal": net.String(),
		"closed":     last,
	})

	e.logger.InfoContext(ctx, "redeem committed",
		slog.String("symbol", symbol),
		slog.String("account", account),
		slog.String("tokens", tokens.String()),
		slog.String("withdrawal", net.String()),
		slog.Bool("position_closed", last),
	)

	return RedeemResult{
		Symbol:         symbol,
		Account:        account,
		TokensBurned:   tokens,
		Withdrawal:     net,
		Fee:            fee,
		NAVPerToken:    st.nav,
		NotionalDelta:  fill.FilledDelta,
		NewNotional:    fill.NewNotional,
		PositionClosed: last,
	}, nil
}

// Rebalance realigns realized leverage with the target. Inside the threshold
// band it is a no-op; otherwise it sizes one venue order for the full
// difference between target notional and current notional. A venue failure
// abandons the cycle (no in-call retry); the failure is recorded for
// external retry scheduling. Anyone may invoke it; idempotence comes from
// the band check.
func (e *Engine) Rebalance(ctx context.Context, symbol string) (RebalanceResult, error) {
	unlock, err := e.locks.Acquire(ctx, lockKey(symbol), e.cfg.LockTTL)
	if err != nil {
		return RebalanceResult{}, fmt.Errorf("engine: acquire vault lock %s: %w", symbol, err)
	}
	defer unlock()

	st, err := e.loadState(ctx, symbol)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpRebalance, "", err)
		return RebalanceResult{}, err
	}

	res := RebalanceResult{
		Symbol:         symbol,
		Action:         ActionNone,
		TargetLeverage: st.cfg.TargetLeverage,
		NewNotional:    st.pos.Notional,
	}

	// Nothing outstanding: a freshly initialized or fully redeemed vault
	// has no exposure to steer.
	if st.supply.IsZero() && !st.pos.IsOpen() {
		return res, nil
	}

	lev, err := accounting.CurrentLeverage(st.pos, st.equity)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpRebalance, "", err)
		return RebalanceResult{}, err
	}
	res.LeverageBefore = lev
	res.LeverageAfter = lev

	drift := lev.Sub(st.cfg.TargetLeverage)
	if drift.Abs().LessThanOrEqual(st.cfg.RebalanceThreshold) {
		e.record(ctx, domain.Operation{
			ID:          uuid.New().String(),
			Symbol:      symbol,
			Kind:        domain.OpRebalance,
			Status:      domain.OpStatusNoAction,
			NAVPerToken: st.nav,
			MarkPrice:   st.quote.Price,
			CreatedAt:   e.now().UTC(),
		})
		return res, nil
	}

	targetNotional, err := fixedpoint.Mul(st.cfg.TargetLeverage, st.equity)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpRebalance, "", err)
		return RebalanceResult{}, err
	}
	deltaMag := targetNotional.Sub(st.pos.Notional.Abs())
	delta := deltaMag.Mul(st.cfg.Direction.Sign())

	fill, err := e.adjust(ctx, symbol, delta)
	if err != nil {
		e.recordFailure(ctx, symbol, domain.OpRebalance, "", err)
		return RebalanceResult{}, err
	}

	newCollateral := st.vault.Collateral.Add(fill.RealizedPnL)
	if err := e.vaults.UpdateCollateral(ctx, symbol, newCollateral); err != nil {
		e.haltAfterFill(ctx, symbol, err)
		return RebalanceResult{}, fmt.Errorf("engine: commit collateral for %s: %w", symbol, err)
	}

	if deltaMag.IsPositive() {
		res.Action = ActionIncrease
	} else {
		res.Action = ActionDecrease
	}
	res.NotionalDelta = fill.FilledDelta
	res.NewNotional = fill.NewNotional

	newEquity, err := accounting.Equity(newCollateral, domain.Position{
		Symbol:     symbol,
		Notional:   fill.NewNotional,
		EntryPrice: fill.NewEntry,
		MarginUsed: fill.NewMargin,
	}, st.quote.Price)
	if err == nil && newEquity.IsPositive() && !fill.NewNotional.IsZero() {
		if after, lerr := fixedpoint.Div(fill.NewNotional.Abs(), newEquity); lerr == nil {
			res.LeverageAfter = after
		}
	}

	e.record(ctx, domain.Operation{
		ID:            uuid.New().String(),
		Symbol:        symbol,
		Kind:          domain.OpRebalance,
		Status:        domain.OpStatusOK,
		NotionalDelta: fill.FilledDelta,
		NAVPerToken:   st.nav,
		MarkPrice:     st.quote.Price,
		CreatedAt:     e.now().UTC(),
	})
	e.publish(ctx, "rebalanced", symbol, map[string]any{
		"action":          string(res.Action),
		"notional_delta":  fill.FilledDelta.String(),
		"leverage_before": res.LeverageBefore.String(),
		"leverage_after":  res.LeverageAfter.String(),
	})

	e.logger.InfoContext(ctx, "rebalance committed",
		slog.String("symbol", symbol),
		slog.String("action", string(res.Action)),
		slog.String("notional_delta", fill.FilledDelta.String()),
		slog.String("leverage_before", res.LeverageBefore.String()),
	)
	return res, nil
}

// Snapshot returns the current derived accounting view of a token. Reads do
// not take the vault lock; they observe the last committed state.
func (e *Engine) Snapshot(ctx context.Context, symbol string) (domain.NAVSnapshot, error) {
	st, err := e.loadStateUnlocked(ctx, symbol)
	if err != nil {
		return domain.NAVSnapshot{}, err
	}
	return e.acct.Snapshot(st.vault, st.pos, st.supply, st.quote, e.now())
}

// vaultState is everything an operation reads before computing its deltas.
// The oracle is consulted exactly once per operation; every computation that
// follows reuses this quote.
type vaultState struct {
	vault  domain.Vault
	cfg    domain.LeverageConfig
	supply decimal.Decimal
	pos    domain.Position
	quote  domain.PriceQuote
	equity decimal.Decimal
	nav    decimal.Decimal
}

func (e *Engine) loadState(ctx context.Context, symbol string) (vaultState, error) {
	st, err := e.loadStateUnlocked(ctx, symbol)
	if err != nil {
		return vaultState{}, err
	}
	if st.vault.Halted {
		return vaultState{}, fmt.Errorf("engine: vault %s is halted (%s): %w", symbol, st.vault.HaltReason, domain.ErrVaultHalted)
	}
	st.nav, err = accounting.NAVPerToken(st.equity, st.supply)
	if err != nil {
		if errors.Is(err, domain.ErrZeroSupplyNonZeroEquity) {
			e.halt(ctx, symbol, err.Error())
		}
		return vaultState{}, err
	}
	return st, nil
}

func (e *Engine) loadStateUnlocked(ctx context.Context, symbol string) (vaultState, error) {
	vault, cfg, err := e.vaults.Get(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return vaultState{}, fmt.Errorf("engine: token %s: %w", symbol, domain.ErrNotInitialized)
		}
		return vaultState{}, fmt.Errorf("engine: load vault %s: %w", symbol, err)
	}
	supply, err := e.ledger.TotalSupply(ctx, symbol)
	if err != nil {
		return vaultState{}, fmt.Errorf("engine: load supply of %s: %w", symbol, err)
	}
	quote, err := e.oracle.MarkPrice(ctx, cfg.BaseAsset)
	if err != nil {
		return vaultState{}, fmt.Errorf("engine: read oracle for %s: %w", cfg.BaseAsset, err)
	}
	now := e.now()
	if err := e.acct.CheckQuote(quote, now); err != nil {
		return vaultState{}, err
	}
	pos, err := e.venue.Position(ctx, symbol)
	if err != nil {
		return vaultState{}, fmt.Errorf("engine: load position %s: %w", symbol, err)
	}
	equity, err := accounting.Equity(vault.Collateral, pos, quote.Price)
	if err != nil {
		return vaultState{}, err
	}
	return vaultState{
		vault:  vault,
		cfg:    cfg,
		supply: supply,
		pos:    pos,
		quote:  quote,
		equity: equity,
	}, nil
}

// adjust places one position order and validates the fill. A fill short of
// the requested delta beyond the slippage tolerance is unwound (best effort)
// and reported as SlippageExceeded, so local state never commits against a
// half-executed order.
func (e *Engine) adjust(ctx context.Context, symbol string, delta decimal.Decimal) (domain.PositionFill, error) {
	fill, err := e.venue.AdjustPosition(ctx, domain.PositionAdjustment{
		Symbol:         symbol,
		NotionalDelta:  delta,
		MaxSlippageBps: e.cfg.MaxSlippageBps,
	})
	if err != nil {
		return domain.PositionFill{}, fmt.Errorf("engine: venue adjust %s by %s: %w", symbol, delta, err)
	}

	shortfall := delta.Sub(fill.FilledDelta).Abs()
	tolerance := delta.Abs().Mul(fixedpoint.FromBps(e.cfg.MaxSlippageBps))
	if shortfall.GreaterThan(tolerance) {
		if !fill.FilledDelta.IsZero() {
			if _, unwindErr := e.venue.AdjustPosition(ctx, domain.PositionAdjustment{
				Symbol:         symbol,
				NotionalDelta:  fill.FilledDelta.Neg(),
				MaxSlippageBps: e.cfg.MaxSlippageBps,
			}); unwindErr != nil {
				e.logger.ErrorContext(ctx, "partial fill unwind failed, venue position may need manual reconciliation",
					slog.String("symbol", symbol),
					slog.String("filled", fill.FilledDelta.String()),
					slog.String("error", unwindErr.Error()),
				)
			}
		}
		return domain.PositionFill{}, fmt.Errorf("engine: filled %s of requested %s: %w", fill.FilledDelta, delta, domain.ErrSlippageExceeded)
	}
	return fill, nil
}

// halt freezes the vault after a protocol-invariant violation. Guessing a
// correction could move value incorrectly; a human has to look.
func (e *Engine) halt(ctx context.Context, symbol, reason string) {
	if err := e.vaults.Halt(ctx, symbol, reason); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist vault halt",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
	e.publish(ctx, "halted", symbol, map[string]any{"reason": reason})
	e.logger.ErrorContext(ctx, "vault halted",
		slog.String("symbol", symbol),
		slog.String("reason", reason),
	)
}

// haltAfterFill handles the one place where all-or-nothing can no longer be
// honored locally: the venue confirmed a fill but the local commit failed.
// The vault is halted so no further operation runs against desynced state.
func (e *Engine) haltAfterFill(ctx context.Context, symbol string, err error) {
	e.halt(ctx, symbol, fmt.Sprintf("local commit failed after confirmed venue fill: %v", err))
}

func (e *Engine) recordFailure(ctx context.Context, symbol string, kind domain.OperationKind, account string, err error) {
	e.record(ctx, domain.Operation{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Kind:      kind,
		Account:   account,
		Status:    domain.OpStatusFailed,
		ErrKind:   domain.ErrKind(err),
		CreatedAt: e.now().UTC(),
	})
}

// record writes an audit row. Auditing is observability, not vault state:
// a write failure is logged, never propagated into the operation outcome.
func (e *Engine) record(ctx context.Context, op domain.Operation) {
	if err := e.ops.Insert(ctx, op); err != nil {
		e.logger.WarnContext(ctx, "audit insert failed",
			slog.String("symbol", op.Symbol),
			slog.String("kind", string(op.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publish(ctx context.Context, event, symbol string, detail map[string]any) {
	detail["event"] = event
	detail["symbol"] = symbol
	payload, _ := json.Marshal(detail)
	if err := e.bus.Publish(ctx, event, payload); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("event", event),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}
