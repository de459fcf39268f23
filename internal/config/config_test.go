package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const paperConfig = `
mode = "paper"

[[tokens]]
symbol = "ETH3L"
base_asset = "ETH"
target_leverage = "3"
rebalance_threshold = "0.1"
direction = "long"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, paperConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockTTL.Duration)
	assert.Equal(t, time.Minute, cfg.Engine.RebalanceInterval.Duration)
	assert.True(t, cfg.Engine.BootstrapNAV.Equal(mustDec("1")))
	assert.True(t, cfg.Engine.MaxSlippageBps.Equal(mustDec("50")))
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	require.Len(t, cfg.Tokens, 1)
	tok := cfg.Tokens[0]
	assert.Equal(t, "ETH3L", tok.Symbol)
	assert.Equal(t, "ETH", tok.BaseAsset)
	assert.True(t, tok.TargetLeverage.Equal(mustDec("3")))
	assert.Equal(t, "long", tok.Direction)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mode = "paper"
log_level = "debug"

[engine]
max_slippage_bps = "25"
lock_ttl = "45s"

[server]
port = 9090

[[tokens]]
symbol = "ETH3L"
base_asset = "ETH"
target_leverage = "3"
rebalance_threshold = "0.1"
direction = "long"
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Engine.LockTTL.Duration)
	assert.True(t, cfg.Engine.MaxSlippageBps.Equal(mustDec("25")))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QUASARD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("QUASARD_ENGINE_MAX_SLIPPAGE_BPS", "30")
	t.Setenv("QUASARD_ENGINE_LOCK_TTL", "1m")
	t.Setenv("QUASARD_SERVER_PORT", "7070")

	cfg, err := Load(writeConfig(t, paperConfig))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Engine.LockTTL.Duration)
	assert.True(t, cfg.Engine.MaxSlippageBps.Equal(mustDec("30")))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults in paper mode pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "turbo" },
			wantErr: "unknown mode",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "unknown log_level",
		},
		{
			name:    "non-positive slippage",
			mutate:  func(c *Config) { c.Engine.MaxSlippageBps = mustDec("0") },
			wantErr: "max_slippage_bps",
		},
		{
			name: "duplicate token symbol",
			mutate: func(c *Config) {
				c.Tokens = append(c.Tokens, c.Tokens[0])
			},
			wantErr: "duplicate symbol",
		},
		{
			name: "bad token direction",
			mutate: func(c *Config) {
				c.Tokens[0].Direction = "sideways"
			},
			wantErr: "direction must be long or short",
		},
		{
			name: "live mode requires venue credentials",
			mutate: func(c *Config) {
				c.Mode = "full"
			},
			wantErr: "venue: base_url is required",
		},
		{
			name: "live mode requires oracle feed",
			mutate: func(c *Config) {
				c.Mode = "serve"
				c.Venue.BaseURL = "https://venue.example"
				c.Venue.APIKey = "k"
				c.Venue.APISecret = "s"
			},
			wantErr: "oracle: ws_url is required",
		},
		{
			name: "encrypted secret needs password",
			mutate: func(c *Config) {
				c.Mode = "full"
				c.Venue.BaseURL = "https://venue.example"
				c.Venue.APIKey = "k"
				c.Venue.EncryptedSecretPath = "/etc/quasard/secret.enc"
				c.Oracle.WsURL = "wss://venue.example/ws"
			},
			wantErr: "secret_password is required",
		},
		{
			name: "archive needs s3 bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.S3.Bucket = ""
			},
			wantErr: "s3: bucket must not be empty",
		},
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: "server: port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Mode = "paper"
			cfg.Tokens = []TokenConfig{{
				Symbol:             "ETH3L",
				BaseAsset:          "ETH",
				TargetLeverage:     mustDec("3"),
				RebalanceThreshold: mustDec("0.1"),
				Direction:          "long",
			}}
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
