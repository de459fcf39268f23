package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// freshest quote lives at key "quote:{asset}" with fields "price",
// "confidence", and "ts" (Unix nanosecond timestamp). Price and confidence
// are stored as decimal strings, never as binary floats.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

var _ domain.PriceCache = (*PriceCache)(nil)

func quoteKey(asset string) string {
	return "quote:" + asset
}

// SetQuote stores the latest oracle quote for an asset.
func (pc *PriceCache) SetQuote(ctx context.Context, q domain.PriceQuote) error {
	fields := map[string]interface{}{
		"price":      q.Price.String(),
		"confidence": q.Confidence.String(),
		"ts":         strconv.FormatInt(q.At.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, quoteKey(q.Asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Asset, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for an asset. It returns
// domain.ErrNotFound when no quote has been stored.
func (pc *PriceCache) GetQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(asset)).Result()
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse price %s: %w", asset, err)
	}

	confidence := decimal.Zero
	if confStr, ok := vals["confidence"]; ok {
		if confidence, err = decimal.NewFromString(confStr); err != nil {
			return domain.PriceQuote{}, fmt.Errorf("redis: parse confidence %s: %w", asset, err)
		}
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse ts %s: %w", asset, err)
	}

	return domain.PriceQuote{
		Asset:      asset,
		Price:      price,
		Confidence: confidence,
		At:         time.Unix(0, tsNano),
	}, nil
}
