package oracle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasarlabs/quasard/internal/domain"
)

type fakeCache struct {
	quotes map[string]domain.PriceQuote
}

func (f *fakeCache) SetQuote(_ context.Context, q domain.PriceQuote) error {
	f.quotes[q.Asset] = q
	return nil
}

func (f *fakeCache) GetQuote(_ context.Context, asset string) (domain.PriceQuote, error) {
	q, ok := f.quotes[asset]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("cache: quote %s: %w", asset, domain.ErrNotFound)
	}
	return q, nil
}

func TestCacheOracleReadsQuote(t *testing.T) {
	cache := &fakeCache{quotes: map[string]domain.PriceQuote{
		"ETH": {Asset: "ETH", Price: decimal.RequireFromString("2000"), At: time.Now()},
	}}
	o := NewCacheOracle(cache)

	q, err := o.MarkPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("2000")))
}

func TestCacheOracleMissingQuoteIsStale(t *testing.T) {
	o := NewCacheOracle(&fakeCache{quotes: map[string]domain.PriceQuote{}})

	// The cache reports the miss as a wrapped sentinel; it must still
	// surface as a stale-oracle condition.
	_, err := o.MarkPrice(context.Background(), "SOL")
	require.ErrorIs(t, err, domain.ErrStaleOracle)
}

func TestStubOracle(t *testing.T) {
	s := NewStub(map[string]decimal.Decimal{"ETH": decimal.RequireFromString("2000")})

	q, err := s.MarkPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("2000")))
	assert.WithinDuration(t, time.Now(), q.At, time.Second)

	_, err = s.MarkPrice(context.Background(), "SOL")
	require.ErrorIs(t, err, domain.ErrStaleOracle)
}
