// Package config defines the top-level configuration for the vault daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by QUASARD_* environment
// variables. Decimal-valued fields are TOML strings ("3.0", not 3.0) so no
// value ever passes through a binary float.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Tokens   []TokenConfig  `toml:"tokens"`
	Oracle   OracleConfig   `toml:"oracle"`
	Venue    VenueConfig    `toml:"venue"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the engine's operating parameters.
type EngineConfig struct {
	BootstrapNAV      decimal.Decimal `toml:"bootstrap_nav"`
	MintFeeBps        decimal.Decimal `toml:"mint_fee_bps"`
	RedeemFeeBps      decimal.Decimal `toml:"redeem_fee_bps"`
	MaxSlippageBps    decimal.Decimal `toml:"max_slippage_bps"`
	LockTTL           duration        `toml:"lock_ttl"`
	RebalanceInterval duration        `toml:"rebalance_interval"`
}

// TokenConfig declares one leveraged token class to ensure at startup.
type TokenConfig struct {
	Symbol             string          `toml:"symbol"`
	BaseAsset          string          `toml:"base_asset"`
	TargetLeverage     decimal.Decimal `toml:"target_leverage"`
	RebalanceThreshold decimal.Decimal `toml:"rebalance_threshold"`
	Direction          string          `toml:"direction"`
}

// OracleConfig holds price feed parameters.
type OracleConfig struct {
	WsURL              string          `toml:"ws_url"`
	MaxPriceAge        duration        `toml:"max_price_age"`
	MaxConfidenceRatio decimal.Decimal `toml:"max_confidence_ratio"`
	// StubPrices pins fixed prices per base asset instead of the websocket
	// feed, for paper trading without a venue connection. Values are
	// decimal strings keyed by asset, e.g. ETH = "2000".
	StubPrices map[string]string `toml:"stub_prices"`
}

// VenueConfig holds derivatives venue API parameters.
type VenueConfig struct {
	BaseURL             string `toml:"base_url"`
	APIKey              string `toml:"api_key"`
	APISecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	// PaperMaxLeverage caps leverage on the built-in paper venue.
	PaperMaxLeverage decimal.Decimal `toml:"paper_max_leverage"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls audit-log archival to blob storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			BootstrapNAV:      decimal.NewFromInt(1),
			MintFeeBps:        decimal.Zero,
			RedeemFeeBps:      decimal.Zero,
			MaxSlippageBps:    decimal.NewFromInt(50),
			LockTTL:           duration{30 * time.Second},
			RebalanceInterval: duration{time.Minute},
		},
		Oracle: OracleConfig{
			MaxPriceAge:        duration{30 * time.Second},
			MaxConfidenceRatio: decimal.RequireFromString("0.02"),
		},
		Venue: VenueConfig{
			PaperMaxLeverage: decimal.NewFromInt(10),
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "quasard",
			User:          "quasard",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "quasard-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve":     true, // HTTP API only, no scheduled rebalancing
	"rebalance": true, // scheduled rebalancing only, no HTTP API
	"paper":     true, // full daemon against the built-in paper venue
	"full":      true, // HTTP API + scheduled rebalancing against the live venue
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, rebalance, paper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if !c.Engine.BootstrapNAV.IsPositive() {
		errs = append(errs, "engine: bootstrap_nav must be > 0")
	}
	if c.Engine.MintFeeBps.IsNegative() || c.Engine.RedeemFeeBps.IsNegative() {
		errs = append(errs, "engine: fees must be >= 0")
	}
	if !c.Engine.MaxSlippageBps.IsPositive() {
		errs = append(errs, "engine: max_slippage_bps must be > 0")
	}
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}

	// Tokens
	seen := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.Symbol == "" || t.BaseAsset == "" {
			errs = append(errs, fmt.Sprintf("tokens[%d]: symbol and base_asset are required", i))
			continue
		}
		if seen[t.Symbol] {
			errs = append(errs, fmt.Sprintf("tokens[%d]: duplicate symbol %q", i, t.Symbol))
		}
		seen[t.Symbol] = true
		if !t.TargetLeverage.IsPositive() {
			errs = append(errs, fmt.Sprintf("tokens[%d]: target_leverage must be > 0", i))
		}
		if !t.RebalanceThreshold.IsPositive() {
			errs = append(errs, fmt.Sprintf("tokens[%d]: rebalance_threshold must be > 0", i))
		}
		if t.Direction != "long" && t.Direction != "short" {
			errs = append(errs, fmt.Sprintf("tokens[%d]: direction must be long or short, got %q", i, t.Direction))
		}
	}

	// Oracle
	if c.Oracle.MaxPriceAge.Duration <= 0 {
		errs = append(errs, "oracle: max_price_age must be > 0")
	}
	if !c.Oracle.MaxConfidenceRatio.IsPositive() {
		errs = append(errs, "oracle: max_confidence_ratio must be > 0")
	}

	mode := strings.ToLower(c.Mode)

	// Venue — live modes need a real endpoint and credentials.
	if mode != "paper" {
		if c.Venue.BaseURL == "" {
			errs = append(errs, "venue: base_url is required outside paper mode")
		}
		if c.Venue.APIKey == "" {
			errs = append(errs, "venue: api_key is required outside paper mode")
		}
		if c.Venue.APISecret == "" && c.Venue.EncryptedSecretPath == "" {
			errs = append(errs, "venue: either api_secret or encrypted_secret_path must be set outside paper mode")
		}
		if c.Venue.EncryptedSecretPath != "" && c.Venue.SecretPassword == "" {
			errs = append(errs, "venue: secret_password is required when encrypted_secret_path is set")
		}
		if c.Oracle.WsURL == "" {
			errs = append(errs, "oracle: ws_url is required outside paper mode")
		}
		if len(c.Oracle.StubPrices) > 0 {
			errs = append(errs, "oracle: stub_prices are only allowed in paper mode")
		}
	}
	for asset, raw := range c.Oracle.StubPrices {
		if _, err := decimal.NewFromString(raw); err != nil {
			errs = append(errs, fmt.Sprintf("oracle: stub price for %s is not a decimal: %q", asset, raw))
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only needed when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
