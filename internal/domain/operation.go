package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationKind identifies an engine operation in the audit log.
type OperationKind string

const (
	OpInitialize OperationKind = "initialize"
	OpMint       OperationKind = "mint"
	OpRedeem     OperationKind = "redeem"
	OpRebalance  OperationKind = "rebalance"
)

// OperationStatus is the terminal outcome of one engine operation.
type OperationStatus string

const (
	OpStatusOK       OperationStatus = "ok"
	OpStatusNoAction OperationStatus = "no_action"
	OpStatusFailed   OperationStatus = "failed"
)

// Operation is one audit row: every mint, redeem, and rebalance attempt is
// recorded with its deltas and outcome, successful or not. Failed rebalances
// are what external retry schedulers poll for.
type Operation struct {
	ID      string          `json:"id"`
	Symbol  string          `json:"symbol"`
	Kind    OperationKind   `json:"kind"`
	Account string          `json:"account,omitempty"`
	Status  OperationStatus `json:"status"`
	// ErrKind is the taxonomy name of the failure, empty on success.
	ErrKind string `json:"err_kind,omitempty"`

	Deposit       decimal.Decimal `json:"deposit"`
	Withdrawal    decimal.Decimal `json:"withdrawal"`
	Tokens        decimal.Decimal `json:"tokens"`
	NotionalDelta decimal.Decimal `json:"notional_delta"`
	NAVPerToken   decimal.Decimal `json:"nav_per_token"`
	MarkPrice     decimal.Decimal `json:"mark_price"`

	CreatedAt time.Time `json:"created_at"`
}
