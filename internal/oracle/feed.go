package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// Feed subscribes to the venue's websocket mark-price stream for a set of
// assets and writes each update into the price cache. It reconnects with
// backoff on disconnect and runs until its context is cancelled.
type Feed struct {
	wsURL     string
	assets    []string
	cache     domain.PriceCache
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewFeed creates a Feed for the given websocket endpoint and asset list.
func NewFeed(wsURL string, assets []string, cache domain.PriceCache, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:  wsURL,
		assets: assets,
		cache:  cache,
		logger: logger.With(slog.String("component", "oracle_feed")),
		done:   make(chan struct{}),
	}
}

type subscribeMsg struct {
	Op     string   `json:"op"`
	Stream string   `json:"stream"`
	Assets []string `json:"assets"`
}

type markPriceMsg struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Timestamp  int64           `json:"ts"` // unix milliseconds
}

// Run connects and consumes mark-price messages until ctx is cancelled or
// Close is called. Connection errors trigger a reconnect after a short delay.
func (f *Feed) Run(ctx context.Context) error {
	if len(f.assets) == 0 {
		f.logger.Info("no assets to subscribe, feed exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", fmt.Sprintf("%v", err)),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *Feed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("oracle: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	sub := subscribeMsg{Op: "subscribe", Stream: "mark_price", Assets: f.assets}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("oracle: subscribe: %w", err)
	}
	f.logger.Info("feed subscribed", slog.Int("assets", len(f.assets)))

	// Close the connection when the context ends so ReadMessage unblocks.
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("oracle: read: %w", domain.ErrWSDisconnect)
		}
		var msg markPriceMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Warn("malformed feed message", slog.String("error", err.Error()))
			continue
		}
		if msg.Asset == "" || !msg.Price.IsPositive() {
			continue
		}
		q := domain.PriceQuote{
			Asset:      msg.Asset,
			Price:      msg.Price,
			Confidence: msg.Confidence,
			At:         time.UnixMilli(msg.Timestamp),
		}
		if err := f.cache.SetQuote(ctx, q); err != nil {
			f.logger.Warn("quote cache write failed",
				slog.String("asset", msg.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close stops the feed.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
