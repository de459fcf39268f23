package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/notify"
)

// Rebalancer periodically walks every vault and runs one rebalance cycle.
// A vault locked by a concurrent operation is skipped and revisited on the
// next tick; a genuine failure is recorded by the engine and alerted here.
type Rebalancer struct {
	engine   *Engine
	vaults   domain.VaultStore
	notifier *notify.Notifier
	interval time.Duration
	logger   *slog.Logger
}

// NewRebalancer creates a Rebalancer. interval is how often every vault is
// checked against its threshold band.
func NewRebalancer(
	eng *Engine,
	vaults domain.VaultStore,
	notifier *notify.Notifier,
	interval time.Duration,
	logger *slog.Logger,
) *Rebalancer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Rebalancer{
		engine:   eng,
		vaults:   vaults,
		notifier: notifier,
		interval: interval,
		logger:   logger.With(slog.String("component", "rebalancer")),
	}
}

// Run rebalances all vaults on a fixed interval until ctx is cancelled. Call
// in a goroutine.
func (r *Rebalancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.runCycle(ctx); err != nil {
				r.logger.ErrorContext(ctx, "rebalance cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Rebalancer) runCycle(ctx context.Context) error {
	vaults, _, err := r.vaults.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: list vaults: %w", err)
	}

	for _, v := range vaults {
		if v.Halted {
			continue
		}

		res, err := r.engine.Rebalance(ctx, v.Symbol)
		switch {
		case err == nil:
			if res.Action != ActionNone {
				r.logger.InfoContext(ctx, "scheduled rebalance acted",
					slog.String("symbol", v.Symbol),
					slog.String("action", string(res.Action)),
					slog.String("leverage_before", res.LeverageBefore.String()),
					slog.String("leverage_after", res.LeverageAfter.String()),
				)
				r.alert(ctx, notify.EventRebalanced, "Rebalanced "+v.Symbol,
					fmt.Sprintf("action=%s leverage %s -> %s", res.Action, res.LeverageBefore, res.LeverageAfter))
			}
		case errors.Is(err, domain.ErrLockHeld):
			// Another operation owns the vault right now; next tick.
			r.logger.DebugContext(ctx, "vault busy, skipping",
				slog.String("symbol", v.Symbol),
			)
		case errors.Is(err, domain.ErrVaultHalted):
			r.alert(ctx, notify.EventVaultHalted, "Vault halted: "+v.Symbol, err.Error())
		default:
			r.logger.WarnContext(ctx, "scheduled rebalance failed",
				slog.String("symbol", v.Symbol),
				slog.String("err_kind", domain.ErrKind(err)),
				slog.String("error", err.Error()),
			)
			if !domain.Retryable(err) {
				r.alert(ctx, notify.EventRebalanceFailed, "Rebalance failed: "+v.Symbol, err.Error())
			}
		}
	}
	return nil
}

func (r *Rebalancer) alert(ctx context.Context, event, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}
