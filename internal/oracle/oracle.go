// Package oracle implements the price oracle adapter: a cache-backed oracle
// fed by the venue's websocket mark-price stream, and a stub oracle for paper
// trading and tests.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// CacheOracle reads the freshest quote from the price cache. The feed
// subscriber keeps the cache current; staleness enforcement stays with the
// accountant, which sees the quote's observation time.
type CacheOracle struct {
	cache domain.PriceCache
}

// NewCacheOracle creates a CacheOracle over the given cache.
func NewCacheOracle(cache domain.PriceCache) *CacheOracle {
	return &CacheOracle{cache: cache}
}

// MarkPrice returns the cached quote for the asset. A missing quote maps to
// ErrStaleOracle: an asset nobody has quoted yet is indistinguishable from
// one whose feed died.
func (o *CacheOracle) MarkPrice(ctx context.Context, asset string) (domain.PriceQuote, error) {
	q, err := o.cache.GetQuote(ctx, asset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PriceQuote{}, fmt.Errorf("oracle: no quote for %s: %w", asset, domain.ErrStaleOracle)
		}
		return domain.PriceQuote{}, fmt.Errorf("oracle: read quote for %s: %w", asset, err)
	}
	return q, nil
}

// Stub is a fixed-price oracle. Prices are set directly; every read reports
// the current time so staleness checks always pass.
type Stub struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStub creates a Stub with the given initial prices (may be nil).
func NewStub(prices map[string]decimal.Decimal) *Stub {
	s := &Stub{
		prices: make(map[string]decimal.Decimal),
		now:    time.Now,
	}
	for asset, p := range prices {
		s.prices[asset] = p
	}
	return s
}

// SetPrice updates the stub price for an asset.
func (s *Stub) SetPrice(asset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

// MarkPrice returns the configured price with a fresh timestamp and zero
// confidence interval.
func (s *Stub) MarkPrice(_ context.Context, asset string) (domain.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[asset]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("oracle: no stub price for %s: %w", asset, domain.ErrStaleOracle)
	}
	return domain.PriceQuote{
		Asset: asset,
		Price: p,
		At:    s.now(),
	}, nil
}

// Compile-time interface checks.
var (
	_ domain.PriceOracle = (*CacheOracle)(nil)
	_ domain.PriceOracle = (*Stub)(nil)
)
