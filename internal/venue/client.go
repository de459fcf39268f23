// Package venue implements the position adapter against the external
// derivatives venue: a REST client for live trading and an in-memory paper
// venue for simulation and tests.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// Client is the REST position adapter. Every vault position lives in a
// sub-account keyed by the token symbol; the venue reports fills explicitly,
// including partials, and rejects orders it cannot execute inside the
// requested slippage bound.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *Auth
}

// NewClient creates a venue REST client. baseURL is the API root, e.g.
// "https://api.venue.example".
func NewClient(baseURL string, auth *Auth) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth: auth,
	}
}

type positionPayload struct {
	Symbol         string          `json:"symbol"`
	Notional       decimal.Decimal `json:"notional"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	MarginUsed     decimal.Decimal `json:"margin_used"`
	AccruedFunding decimal.Decimal `json:"accrued_funding"`
}

type adjustRequest struct {
	NotionalDelta  decimal.Decimal `json:"notional_delta"`
	MaxSlippageBps decimal.Decimal `json:"max_slippage_bps"`
}

type fillPayload struct {
	FilledDelta decimal.Decimal `json:"filled_delta"`
	NewNotional decimal.Decimal `json:"new_notional"`
	NewEntry    decimal.Decimal `json:"new_entry_price"`
	NewMargin   decimal.Decimal `json:"new_margin"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Position returns the current perp position for the symbol's sub-account.
// A symbol with no open position returns a zero-notional Position, not an
// error.
func (c *Client) Position(ctx context.Context, symbol string) (domain.Position, error) {
	var p positionPayload
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions/"+symbol, nil, &p); err != nil {
		return domain.Position{}, fmt.Errorf("venue: get position %s: %w", symbol, err)
	}
	return domain.Position{
		Symbol:         symbol,
		Notional:       p.Notional,
		EntryPrice:     p.EntryPrice,
		MarginUsed:     p.MarginUsed,
		AccruedFunding: p.AccruedFunding,
	}, nil
}

// AdjustPosition submits one position order and returns the venue's fill
// report. Venue-side rejections map onto the domain taxonomy so the engine
// can classify them.
func (c *Client) AdjustPosition(ctx context.Context, adj domain.PositionAdjustment) (domain.PositionFill, error) {
	req := adjustRequest{
		NotionalDelta:  adj.NotionalDelta,
		MaxSlippageBps: adj.MaxSlippageBps,
	}
	var fill fillPayload
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions/"+adj.Symbol+"/orders", req, &fill); err != nil {
		return domain.PositionFill{}, fmt.Errorf("venue: adjust %s by %s: %w", adj.Symbol, adj.NotionalDelta, err)
	}
	return domain.PositionFill{
		FilledDelta: fill.FilledDelta,
		NewNotional: fill.NewNotional,
		NewEntry:    fill.NewEntry,
		NewMargin:   fill.NewMargin,
		RealizedPnL: fill.RealizedPnL,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		c.auth.Apply(req, body)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return venueError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// venueError translates a venue error response into the domain taxonomy.
// Unknown codes surface as plain errors with the venue's message attached.
func venueError(status int, body []byte) error {
	var ep errorPayload
	if err := json.Unmarshal(body, &ep); err != nil {
		return fmt.Errorf("status %d: %s", status, string(body))
	}
	switch ep.Error {
	case "insufficient_margin":
		return fmt.Errorf("%s: %w", ep.Message, domain.ErrInsufficientMargin)
	case "insufficient_liquidity":
		return fmt.Errorf("%s: %w", ep.Message, domain.ErrInsufficientLiquidity)
	case "slippage_exceeded":
		return fmt.Errorf("%s: %w", ep.Message, domain.ErrSlippageExceeded)
	case "position_not_found":
		return fmt.Errorf("%s: %w", ep.Message, domain.ErrNotFound)
	default:
		return fmt.Errorf("status %d: %s: %s", status, ep.Error, ep.Message)
	}
}

// Compile-time interface check.
var _ domain.PositionVenue = (*Client)(nil)
