package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies QUASARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known QUASARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDecimal(&cfg.Engine.BootstrapNAV, "QUASARD_ENGINE_BOOTSTRAP_NAV")
	setDecimal(&cfg.Engine.MintFeeBps, "QUASARD_ENGINE_MINT_FEE_BPS")
	setDecimal(&cfg.Engine.RedeemFeeBps, "QUASARD_ENGINE_REDEEM_FEE_BPS")
	setDecimal(&cfg.Engine.MaxSlippageBps, "QUASARD_ENGINE_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Engine.LockTTL, "QUASARD_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.RebalanceInterval, "QUASARD_ENGINE_REBALANCE_INTERVAL")

	// ── Oracle ──
	setStr(&cfg.Oracle.WsURL, "QUASARD_ORACLE_WS_URL")
	setDuration(&cfg.Oracle.MaxPriceAge, "QUASARD_ORACLE_MAX_PRICE_AGE")
	setDecimal(&cfg.Oracle.MaxConfidenceRatio, "QUASARD_ORACLE_MAX_CONFIDENCE_RATIO")

	// ── Venue ──
	setStr(&cfg.Venue.BaseURL, "QUASARD_VENUE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "QUASARD_VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "QUASARD_VENUE_API_SECRET")
	setStr(&cfg.Venue.EncryptedSecretPath, "QUASARD_VENUE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Venue.SecretPassword, "QUASARD_VENUE_SECRET_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "QUASARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "QUASARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "QUASARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "QUASARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "QUASARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "QUASARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "QUASARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "QUASARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "QUASARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "QUASARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "QUASARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "QUASARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "QUASARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "QUASARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "QUASARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "QUASARD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "QUASARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "QUASARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "QUASARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "QUASARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "QUASARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "QUASARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "QUASARD_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "QUASARD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "QUASARD_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "QUASARD_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "QUASARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "QUASARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "QUASARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "QUASARD_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "QUASARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "QUASARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "QUASARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "QUASARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "QUASARD_MODE")
	setStr(&cfg.LogLevel, "QUASARD_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
