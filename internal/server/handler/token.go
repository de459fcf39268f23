package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/engine"
)

// VaultEngine defines the operations the token handler requires from the
// engine.
type VaultEngine interface {
	Initialize(ctx context.Context, cfg domain.LeverageConfig) (domain.Vault, error)
	Mint(ctx context.Context, symbol, account string, deposit decimal.Decimal) (engine.MintResult, error)
	Redeem(ctx context.Context, symbol, account string, tokens decimal.Decimal) (engine.RedeemResult, error)
	Rebalance(ctx context.Context, symbol string) (engine.RebalanceResult, error)
	Snapshot(ctx context.Context, symbol string) (domain.NAVSnapshot, error)
}

// TokenHandler serves the leveraged-token HTTP endpoints.
type TokenHandler struct {
	engine VaultEngine
	vaults domain.VaultStore
	ops    domain.OperationStore
	logger *slog.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(eng VaultEngine, vaults domain.VaultStore, ops domain.OperationStore, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		engine: eng,
		vaults: vaults,
		ops:    ops,
		logger: logger,
	}
}

type initializeRequest struct {
	Symbol             string          `json:"symbol"`
	BaseAsset          string          `json:"base_asset"`
	TargetLeverage     decimal.Decimal `json:"target_leverage"`
	RebalanceThreshold decimal.Decimal `json:"rebalance_threshold"`
	Direction          string          `json:"direction"`
}

type tokenSummary struct {
	Symbol             string          `json:"symbol"`
	BaseAsset          string          `json:"base_asset"`
	TargetLeverage     decimal.Decimal `json:"target_leverage"`
	RebalanceThreshold decimal.Decimal `json:"rebalance_threshold"`
	Direction          string          `json:"direction"`
	Collateral         decimal.Decimal `json:"collateral"`
	Halted             bool            `json:"halted"`
	HaltReason         string          `json:"halt_reason,omitempty"`
}

type snapshotResponse struct {
	Symbol          string          `json:"symbol"`
	Equity          decimal.Decimal `json:"equity"`
	Supply          decimal.Decimal `json:"supply"`
	NAVPerToken     decimal.Decimal `json:"nav_per_token"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	CurrentLeverage decimal.Decimal `json:"current_leverage"`
}

// Initialize creates a new leveraged token class.
// POST /api/tokens
func (h *TokenHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	vault, err := h.engine.Initialize(r.Context(), domain.LeverageConfig{
		Symbol:             req.Symbol,
		BaseAsset:          req.BaseAsset,
		TargetLeverage:     req.TargetLeverage,
		RebalanceThreshold: req.RebalanceThreshold,
		Direction:          domain.Direction(req.Direction),
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: initialize failed",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"symbol":     vault.Symbol,
		"collateral": vault.Collateral,
		"created_at": vault.CreatedAt,
	})
}

// ListTokens returns all token classes with their vault state.
// GET /api/tokens
func (h *TokenHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	vaults, configs, err := h.vaults.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list tokens failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}

	out := make([]tokenSummary, 0, len(vaults))
	for i, v := range vaults {
		cfg := configs[i]
		out = append(out, tokenSummary{
			Symbol:             v.Symbol,
			BaseAsset:          cfg.BaseAsset,
			TargetLeverage:     cfg.TargetLeverage,
			RebalanceThreshold: cfg.RebalanceThreshold,
			Direction:          string(cfg.Direction),
			Collateral:         v.Collateral,
			Halted:             v.Halted,
			HaltReason:         v.HaltReason,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

// GetToken returns the live accounting snapshot of one token.
// GET /api/tokens/{symbol}
func (h *TokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing token symbol")
		return
	}

	snap, err := h.engine.Snapshot(r.Context(), symbol)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshotResponse{
		Symbol:          snap.Symbol,
		Equity:          snap.Equity,
		Supply:          snap.Supply,
		NAVPerToken:     snap.NAVPerToken,
		MarkPrice:       snap.MarkPrice,
		CurrentLeverage: snap.CurrentLeverage,
	})
}

type mintRequest struct {
	Account string          `json:"account"`
	Deposit decimal.Decimal `json:"deposit"`
}

// Mint deposits collateral and issues tokens at the pre-deposit NAV.
// POST /api/tokens/{symbol}/mint
func (h *TokenHandler) Mint(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}

	result, err := h.engine.Mint(r.Context(), symbol, req.Account, req.Deposit)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: mint failed",
			slog.String("symbol", symbol),
			slog.String("account", req.Account),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type redeemRequest struct {
	Account string          `json:"account"`
	Tokens  decimal.Decimal `json:"tokens"`
}

// Redeem burns tokens for a proportional share of vault equity.
// POST /api/tokens/{symbol}/redeem
func (h *TokenHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}

	result, err := h.engine.Redeem(r.Context(), symbol, req.Account, req.Tokens)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: redeem failed",
			slog.String("symbol", symbol),
			slog.String("account", req.Account),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Rebalance triggers one rebalance cycle for the token.
// POST /api/tokens/{symbol}/rebalance
func (h *TokenHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing token symbol")
		return
	}

	result, err := h.engine.Rebalance(r.Context(), symbol)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: rebalance failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListOperations returns the audit log for one token, newest first.
// GET /api/tokens/{symbol}/operations?limit=50&offset=0
func (h *TokenHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing token symbol")
		return
	}

	ops, err := h.ops.List(r.Context(), symbol, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list operations failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	if ops == nil {
		ops = []domain.Operation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}
