package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Oracle.WSURL = "wss://oracle.example.com/feed"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "turbo"
	cfg.Redis.Addr = ""
	cfg.Positions.MinNotional = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "min_notional")
}

func TestValidateFeeTiers(t *testing.T) {
	tests := []struct {
		name    string
		tiers   []FeeTier
		wantErr string
	}{
		{
			name:    "empty",
			tiers:   nil,
			wantErr: "at least one tier",
		},
		{
			name:    "first tier not zero",
			tiers:   []FeeTier{{MinNotional: 100, Bps: 30}},
			wantErr: "first tier must start at min_notional 0",
		},
		{
			name: "unsorted",
			tiers: []FeeTier{
				{MinNotional: 0, Bps: 30},
				{MinNotional: 5000, Bps: 25},
				{MinNotional: 5000, Bps: 20},
			},
			wantErr: "min_notional must exceed",
		},
		{
			name: "negative bps",
			tiers: []FeeTier{
				{MinNotional: 0, Bps: -1},
			},
			wantErr: "bps must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Fees.Tiers = tt.tiers
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSkipsDiscreteFieldsWithDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = "postgres://u:p@db:5432/dcad"
	cfg.Postgres.Host = ""
	cfg.Postgres.Database = ""
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
mode = "scheduler"
log_level = "debug"

[oracle]
ws_url = "wss://oracle.example.com/feed"
pairs = ["WBTC/USDC", "WETH/USDC"]

[positions]
emergency_delay = "48h"

[scheduler]
poll_interval = "30s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "scheduler", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"WBTC/USDC", "WETH/USDC"}, cfg.Oracle.Pairs)
	assert.Equal(t, 48*time.Hour, cfg.Positions.EmergencyDelay.Duration)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, int64(30), cfg.Fees.Tiers[0].Bps)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "full"`), 0o600))

	t.Setenv("DCAD_POSTGRES_PASSWORD", "from-env")
	t.Setenv("DCAD_ORACLE_WS_URL", "wss://env.example.com/feed")
	t.Setenv("DCAD_ORACLE_PAIRS", "WBTC/USDC,WETH/USDC")
	t.Setenv("DCAD_GUARDS_MAX_ORACLE_STALENESS", "90s")
	t.Setenv("DCAD_SERVER_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Postgres.Password)
	assert.Equal(t, "wss://env.example.com/feed", cfg.Oracle.WSURL)
	assert.Equal(t, []string{"WBTC/USDC", "WETH/USDC"}, cfg.Oracle.Pairs)
	assert.Equal(t, 90*time.Second, cfg.Guards.MaxOracleStaleness.Duration)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Postgres.DSN = "postgres://u:pg-secret@db/dcad"
	cfg.Redis.Password = "redis-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-secret"

	red := RedactedConfig(&cfg)

	assert.NotContains(t, red.Postgres.Password, "pg-secret")
	assert.NotContains(t, red.Postgres.DSN, "pg-secret")
	assert.NotContains(t, red.Redis.Password, "redis-secret")
	assert.NotContains(t, red.Server.APIKey, "api-secret")
	assert.NotContains(t, red.Notify.TelegramToken, "tg-secret")

	// The original is untouched.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
