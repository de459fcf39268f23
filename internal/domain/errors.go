package domain

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrStaleOracle             = errors.New("oracle price stale or unreliable")
	ErrArithmeticOverflow      = errors.New("arithmetic overflow")
	ErrZeroSupplyNonZeroEquity = errors.New("zero supply with non-zero equity")
	ErrInsufficientSupply      = errors.New("insufficient token supply")
	ErrInsufficientLiquidity   = errors.New("insufficient free collateral")
	ErrInsufficientMargin      = errors.New("insufficient margin")
	ErrSlippageExceeded        = errors.New("slippage tolerance exceeded")
	ErrAlreadyInitialized      = errors.New("token already initialized")
	ErrNotInitialized          = errors.New("token not initialized")
	ErrVaultHalted             = errors.New("vault halted")
	ErrLockHeld                = errors.New("lock already held")
	ErrWSDisconnect            = errors.New("websocket disconnected")
)

// ErrKind maps an operation error to its short taxonomy name, used in audit
// rows, API responses, and events so callers can tell transient venue
// conditions apart from protocol inconsistencies.
func ErrKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStaleOracle):
		return "stale_oracle"
	case errors.Is(err, ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrZeroSupplyNonZeroEquity):
		return "zero_supply_non_zero_equity"
	case errors.Is(err, ErrInsufficientSupply):
		return "insufficient_supply"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrVaultHalted):
		return "vault_halted"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrLockHeld):
		return "lock_held"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// Retryable reports whether the error is a transient venue or coordination
// condition that a caller may simply retry, as opposed to a configuration
// error or a protocol-invariant violation.
func Retryable(err error) bool {
	return errors.Is(err, ErrSlippageExceeded) ||
		errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrInsufficientLiquidity) ||
		errors.Is(err, ErrStaleOracle) ||
		errors.Is(err, ErrLockHeld)
}
