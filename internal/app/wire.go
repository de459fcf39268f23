package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/accounting"
	s3blob "github.com/quasarlabs/quasard/internal/blob/s3"
	"github.com/quasarlabs/quasard/internal/cache/redis"
	"github.com/quasarlabs/quasard/internal/config"
	"github.com/quasarlabs/quasard/internal/domain"
	"github.com/quasarlabs/quasard/internal/engine"
	"github.com/quasarlabs/quasard/internal/keys"
	"github.com/quasarlabs/quasard/internal/notify"
	"github.com/quasarlabs/quasard/internal/oracle"
	"github.com/quasarlabs/quasard/internal/store/postgres"
	"github.com/quasarlabs/quasard/internal/venue"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	VaultStore     domain.VaultStore
	OperationStore domain.OperationStore
	SupplyLedger   domain.SupplyLedger

	// Redis-backed infrastructure
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Market adapters
	Oracle domain.PriceOracle
	Venue  domain.PositionVenue
	// Paper is non-nil in paper mode; modes use it to register token
	// classes on the simulated venue.
	Paper *venue.Paper

	// Core
	Accountant *accounting.Accountant
	Engine     *engine.Engine

	// Operations support
	Notifier *notify.Notifier
	Archiver *s3blob.Archiver

	// Clients retained for health checks
	Postgres *postgres.Client
	Redis    *redis.Client
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
// be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.VaultStore = postgres.NewVaultStore(pool)
	deps.OperationStore = postgres.NewOperationStore(pool)
	deps.SupplyLedger = postgres.NewSupplyLedger(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- Oracle ---
	// Fixed stub prices, when configured, take the place of the cached
	// websocket feed. Only useful for paper trading.
	if len(cfg.Oracle.StubPrices) > 0 {
		prices := make(map[string]decimal.Decimal, len(cfg.Oracle.StubPrices))
		for asset, raw := range cfg.Oracle.StubPrices {
			p, err := decimal.NewFromString(raw)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: stub price for %s: %w", asset, err)
			}
			prices[asset] = p
		}
		deps.Oracle = oracle.NewStub(prices)
	} else {
		deps.Oracle = oracle.NewCacheOracle(deps.PriceCache)
	}

	// --- Venue ---
	if strings.ToLower(cfg.Mode) == "paper" {
		paper := venue.NewPaper(deps.Oracle, cfg.Venue.PaperMaxLeverage)
		deps.Paper = paper
		deps.Venue = paper
	} else {
		secret, err := keys.LoadSecret(keys.SecretConfig{
			RawSecret:           cfg.Venue.APISecret,
			EncryptedSecretPath: cfg.Venue.EncryptedSecretPath,
			SecretPassword:      cfg.Venue.SecretPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: venue secret: %w", err)
		}
		auth, err := venue.NewAuth(cfg.Venue.APIKey, secret)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: venue auth: %w", err)
		}
		deps.Venue = venue.NewClient(cfg.Venue.BaseURL, auth)
	}

	// --- Core ---
	deps.Accountant = accounting.New(cfg.Oracle.MaxPriceAge.Duration, cfg.Oracle.MaxConfidenceRatio)
	deps.Engine = engine.New(
		deps.VaultStore,
		deps.OperationStore,
		deps.SupplyLedger,
		deps.Venue,
		deps.Oracle,
		deps.LockManager,
		deps.EventBus,
		deps.Accountant,
		engine.Config{
			BootstrapNAV:   cfg.Engine.BootstrapNAV,
			MintFeeBps:     cfg.Engine.MintFeeBps,
			RedeemFeeBps:   cfg.Engine.RedeemFeeBps,
			MaxSlippageBps: cfg.Engine.MaxSlippageBps,
			LockTTL:        cfg.Engine.LockTTL.Duration,
		},
		logger,
	)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Blob archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.OperationStore, logger)
	}

	return deps, cleanup, nil
}
