package domain

import (
	"context"
	"io"
	"time"
)

// PriceCache is the low-latency store for the freshest oracle quote per
// asset, written by the feed subscriber and read by the cache-backed oracle.
type PriceCache interface {
	SetQuote(ctx context.Context, q PriceQuote) error
	// GetQuote returns ErrNotFound when no quote has been stored yet.
	GetQuote(ctx context.Context, asset string) (PriceQuote, error)
}

// LockManager provides per-vault exclusive locks. Every engine operation runs
// under the vault's lock, which structurally enforces the single-writer
// invariant: one operation fully completes, including its venue call, before
// the next begins against the same vault.
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld if the
	// lock is already taken. The unlock function is safe to call twice.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// EventBus publishes engine events (minted, redeemed, rebalanced, halted) for
// external consumers such as retry schedulers and dashboards.
type EventBus interface {
	Publish(ctx context.Context, event string, payload []byte) error
}

// BlobWriter uploads an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
