package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// VaultStore persists vault state and leverage configs. It is the system of
// record for collateral; the engine is the only writer.
type VaultStore interface {
	// Create inserts a new vault with its config. It returns
	// ErrAlreadyInitialized when the symbol exists and the class
	// (base asset, leverage, direction) uniqueness is enforced.
	Create(ctx context.Context, v Vault, cfg LeverageConfig) error
	Get(ctx context.Context, symbol string) (Vault, LeverageConfig, error)
	List(ctx context.Context) ([]Vault, []LeverageConfig, error)
	UpdateCollateral(ctx context.Context, symbol string, collateral decimal.Decimal) error
	// Halt freezes the vault for manual intervention. Clearing the flag is
	// a manual store-level action, deliberately not exposed here.
	Halt(ctx context.Context, symbol, reason string) error
}

// OperationStore persists the append-only operation audit log.
type OperationStore interface {
	Insert(ctx context.Context, op Operation) error
	List(ctx context.Context, symbol string, opts ListOpts) ([]Operation, error)
	// ListBefore returns operations created strictly before the cutoff,
	// for archival.
	ListBefore(ctx context.Context, before time.Time) ([]Operation, error)
	// DeleteBefore prunes operations created strictly before the cutoff.
	// Only called after a successful archive upload.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
