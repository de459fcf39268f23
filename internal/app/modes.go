package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/engine"
	"github.com/quasarlabs/quasard/internal/oracle"
	"github.com/quasarlabs/quasard/internal/server"
	"github.com/quasarlabs/quasard/internal/server/handler"
)

// ensureTokens initializes every token class declared in the config. The
// engine treats re-initialization with identical parameters as a no-op, so
// this is safe on every boot.
func (a *App) ensureTokens(ctx context.Context, deps *Dependencies) error {
	for _, t := range a.cfg.Tokens {
		cfg := domain.LeverageConfig{
			Symbol:             t.Symbol,
			BaseAsset:          t.BaseAsset,
			TargetLeverage:     t.TargetLeverage,
			RebalanceThreshold: t.RebalanceThreshold,
			Direction:          domain.Direction(t.Direction),
		}
		if deps.Paper != nil {
			deps.Paper.Register(t.Symbol, t.BaseAsset)
		}
		if _, err := deps.Engine.Initialize(ctx, cfg); err != nil {
			if errors.Is(err, domain.ErrAlreadyInitialized) {
				a.logger.ErrorContext(ctx, "configured token conflicts with existing class",
					slog.String("symbol", t.Symbol),
					slog.String("error", err.Error()),
				)
			}
			return err
		}
	}
	return nil
}

// ServeMode runs the HTTP API and the oracle feed, without scheduled
// rebalancing. Use it alongside a separate rebalance-mode instance.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// RebalanceMode runs the scheduled rebalancer and the oracle feed, without
// the HTTP API.
func (a *App) RebalanceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting rebalance mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, deps)
	a.startRebalancer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything: HTTP API, oracle feed, scheduled rebalancing,
// and audit-log archival. Paper mode is full mode against the simulated
// venue.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("paper", deps.Paper != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, deps)
	a.startRebalancer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// startFeed subscribes to the venue's mark-price stream for every configured
// base asset. Without a feed URL the price cache must be fed externally.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if len(a.cfg.Oracle.StubPrices) > 0 {
		return
	}
	if a.cfg.Oracle.WsURL == "" {
		a.logger.WarnContext(ctx, "no oracle ws_url configured, price cache must be populated externally")
		return
	}

	seen := make(map[string]bool, len(a.cfg.Tokens))
	var assets []string
	for _, t := range a.cfg.Tokens {
		if !seen[t.BaseAsset] {
			seen[t.BaseAsset] = true
			assets = append(assets, t.BaseAsset)
		}
	}

	feed := oracle.NewFeed(a.cfg.Oracle.WsURL, assets, deps.PriceCache, a.logger)
	g.Go(func() error {
		defer feed.Close()
		return feed.Run(ctx)
	})
}

func (a *App) startRebalancer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	rb := engine.NewRebalancer(
		deps.Engine,
		deps.VaultStore,
		deps.Notifier,
		a.cfg.Engine.RebalanceInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return rb.Run(ctx)
	})
}

// startArchiver runs periodic audit-log archival when enabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	interval := a.cfg.Archive.Interval.Duration

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				if _, err := deps.Archiver.ArchiveOperations(ctx, cutoff); err != nil {
					a.logger.ErrorContext(ctx, "operation archival failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
}

// startHTTPServer adds the API server goroutine plus a watcher that shuts it
// down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled")
		return
	}

	health := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": deps.Postgres,
		"redis":    deps.Redis,
	}, a.logger)
	tokens := handler.NewTokenHandler(deps.Engine, deps.VaultStore, deps.OperationStore, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health: health,
		Tokens: tokens,
	}, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
