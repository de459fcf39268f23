package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// VaultStore implements domain.VaultStore using PostgreSQL.
type VaultStore struct {
	pool *pgxpool.Pool
}

// NewVaultStore creates a new VaultStore backed by the given connection pool.
func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

var _ domain.VaultStore = (*VaultStore)(nil)

// NUMERIC columns round-trip as text so decimal values never pass through a
// binary float.
const vaultSelectCols = `symbol, base_asset, target_leverage::text,
	rebalance_threshold::text, direction, collateral::text,
	halted, halt_reason, created_at, updated_at`

func scanVaultRow(row pgx.Row) (domain.Vault, domain.LeverageConfig, error) {
	var (
		v         domain.Vault
		cfg       domain.LeverageConfig
		direction string
		leverage  string
		threshold string
		collat    string
	)
	err := row.Scan(
		&v.Symbol, &cfg.BaseAsset, &leverage,
		&threshold, &direction, &collat,
		&v.Halted, &v.HaltReason, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return domain.Vault{}, domain.LeverageConfig{}, err
	}
	cfg.Symbol = v.Symbol
	cfg.Direction = domain.Direction(direction)
	if cfg.TargetLeverage, err = decimal.NewFromString(leverage); err != nil {
		return domain.Vault{}, domain.LeverageConfig{}, fmt.Errorf("parse target_leverage: %w", err)
	}
	if cfg.RebalanceThreshold, err = decimal.NewFromString(threshold); err != nil {
		return domain.Vault{}, domain.LeverageConfig{}, fmt.Errorf("parse rebalance_threshold: %w", err)
	}
	if v.Collateral, err = decimal.NewFromString(collat); err != nil {
		return domain.Vault{}, domain.LeverageConfig{}, fmt.Errorf("parse collateral: %w", err)
	}
	return v, cfg, nil
}

// Create inserts a new vault with its config. A duplicate symbol or duplicate
// (base asset, direction, leverage) class returns ErrAlreadyInitialized.
func (s *VaultStore) Create(ctx context.Context, v domain.Vault, cfg domain.LeverageConfig) error {
	const query = `
		INSERT INTO vaults (
			symbol, base_asset, target_leverage, rebalance_threshold,
			direction, collateral, halted, halt_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		v.Symbol, cfg.BaseAsset, cfg.TargetLeverage.String(), cfg.RebalanceThreshold.String(),
		string(cfg.Direction), v.Collateral.String(), v.Halted, v.HaltReason,
		v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyInitialized
		}
		return fmt.Errorf("postgres: create vault %s: %w", v.Symbol, err)
	}

	// Seed the supply row so reads never miss.
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO token_supply (symbol, total) VALUES ($1, 0)
		 ON CONFLICT (symbol) DO NOTHING`, v.Symbol,
	); err != nil {
		return fmt.Errorf("postgres: seed supply for %s: %w", v.Symbol, err)
	}
	return nil
}

// Get retrieves a vault and its leverage config by symbol.
func (s *VaultStore) Get(ctx context.Context, symbol string) (domain.Vault, domain.LeverageConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+vaultSelectCols+` FROM vaults WHERE symbol = $1`, symbol)

	v, cfg, err := scanVaultRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vault{}, domain.LeverageConfig{}, domain.ErrNotFound
		}
		return domain.Vault{}, domain.LeverageConfig{}, fmt.Errorf("postgres: get vault %s: %w", symbol, err)
	}
	return v, cfg, nil
}

// List returns all vaults with their configs, ordered by symbol.
func (s *VaultStore) List(ctx context.Context) ([]domain.Vault, []domain.LeverageConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+vaultSelectCols+` FROM vaults ORDER BY symbol`)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: list vaults: %w", err)
	}
	defer rows.Close()

	var (
		vaults  []domain.Vault
		configs []domain.LeverageConfig
	)
	for rows.Next() {
		v, cfg, err := scanVaultRow(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: scan vault: %w", err)
		}
		vaults = append(vaults, v)
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: list vaults: %w", err)
	}
	return vaults, configs, nil
}

// UpdateCollateral sets the vault's collateral balance.
func (s *VaultStore) UpdateCollateral(ctx context.Context, symbol string, collateral decimal.Decimal) error {
	const query = `
		UPDATE vaults SET collateral = $2, updated_at = NOW()
		WHERE symbol = $1`

	tag, err := s.pool.Exec(ctx, query, symbol, collateral.String())
	if err != nil {
		return fmt.Errorf("postgres: update collateral %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Halt freezes the vault with a reason for manual intervention.
func (s *VaultStore) Halt(ctx context.Context, symbol, reason string) error {
	const query = `
		UPDATE vaults SET halted = TRUE, halt_reason = $2, updated_at = NOW()
		WHERE symbol = $1`

	tag, err := s.pool.Exec(ctx, query, symbol, reason)
	if err != nil {
		return fmt.Errorf("postgres: halt vault %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
