package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// SupplyLedger implements domain.SupplyLedger using PostgreSQL. Balance and
// total-supply updates for one mint or burn happen in a single transaction.
type SupplyLedger struct {
	pool *pgxpool.Pool
}

// NewSupplyLedger creates a new SupplyLedger backed by the given connection pool.
func NewSupplyLedger(pool *pgxpool.Pool) *SupplyLedger {
	return &SupplyLedger{pool: pool}
}

var _ domain.SupplyLedger = (*SupplyLedger)(nil)

// Mint credits amount to the account and grows total supply.
func (s *SupplyLedger) Mint(ctx context.Context, symbol, account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin mint tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `
		INSERT INTO token_balances (symbol, account, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, account)
		DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance`,
		symbol, account, amount.String(),
	); err != nil {
		return fmt.Errorf("postgres: mint credit %s/%s: %w", symbol, account, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO token_supply (symbol, total)
		VALUES ($1, $2)
		ON CONFLICT (symbol)
		DO UPDATE SET total = token_supply.total + EXCLUDED.total`,
		symbol, amount.String(),
	); err != nil {
		return fmt.Errorf("postgres: mint supply %s: %w", symbol, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit mint tx: %w", err)
	}
	return nil
}

// Burn debits amount from the account and shrinks total supply. It fails with
// ErrInsufficientSupply if the account holds less than amount.
func (s *SupplyLedger) Burn(ctx context.Context, symbol, account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin burn tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var balanceStr string
	err = tx.QueryRow(ctx, `
		SELECT balance::text FROM token_balances
		WHERE symbol = $1 AND account = $2
		FOR UPDATE`,
		symbol, account,
	).Scan(&balanceStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrInsufficientSupply
		}
		return fmt.Errorf("postgres: burn read balance %s/%s: %w", symbol, account, err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return fmt.Errorf("postgres: parse balance %s/%s: %w", symbol, account, err)
	}
	if balance.LessThan(amount) {
		return domain.ErrInsufficientSupply
	}

	if _, err := tx.Exec(ctx, `
		UPDATE token_balances SET balance = balance - $3
		WHERE symbol = $1 AND account = $2`,
		symbol, account, amount.String(),
	); err != nil {
		return fmt.Errorf("postgres: burn debit %s/%s: %w", symbol, account, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE token_supply SET total = total - $2
		WHERE symbol = $1`,
		symbol, amount.String(),
	); err != nil {
		return fmt.Errorf("postgres: burn supply %s: %w", symbol, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit burn tx: %w", err)
	}
	return nil
}

// TotalSupply returns the outstanding supply for the symbol, zero when the
// symbol has never minted.
func (s *SupplyLedger) TotalSupply(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var totalStr string
	err := s.pool.QueryRow(ctx,
		`SELECT total::text FROM token_supply WHERE symbol = $1`, symbol,
	).Scan(&totalStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("postgres: total supply %s: %w", symbol, err)
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse supply %s: %w", symbol, err)
	}
	return total, nil
}

// Balance returns the account's balance, zero when the account is unknown.
func (s *SupplyLedger) Balance(ctx context.Context, symbol, account string) (decimal.Decimal, error) {
	var balanceStr string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text FROM token_balances WHERE symbol = $1 AND account = $2`,
		symbol, account,
	).Scan(&balanceStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("postgres: balance %s/%s: %w", symbol, account, err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse balance %s/%s: %w", symbol, account, err)
	}
	return balance, nil
}
