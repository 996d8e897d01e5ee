// Package config defines the top-level configuration for the DCA execution
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by DCAD_* environment variables.
type Config struct {
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	Oracle       OracleConfig       `toml:"oracle"`
	Eth          EthConfig          `toml:"eth"`
	Positions    PositionsConfig    `toml:"positions"`
	Guards       GuardsConfig       `toml:"guards"`
	Fees         FeesConfig         `toml:"fees"`
	Router       RouterConfig       `toml:"router"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
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

// OracleConfig holds the oracle price stream parameters.
type OracleConfig struct {
	WSURL string   `toml:"ws_url"`
	Pairs []string `toml:"pairs"` // "BASE/QUOTE"
}

// EthConfig holds the Ethereum JSON-RPC endpoint for gas estimates.
type EthConfig struct {
	RPCURL string `toml:"rpc_url"` // empty disables the gas oracle
}

// PositionsConfig bounds the position manager.
type PositionsConfig struct {
	MaxPositions   int      `toml:"max_positions"`
	MaxPerOwner    int      `toml:"max_per_owner"`
	MinNotional    float64  `toml:"min_notional"` // in quote units
	EmergencyDelay duration `toml:"emergency_delay"`
}

// GuardsConfig holds the execution guard thresholds.
type GuardsConfig struct {
	MaxOracleStaleness duration `toml:"max_oracle_staleness"`
	MinTWAPWindow      duration `toml:"min_twap_window"`
	DepegThresholdBps  int64    `toml:"depeg_threshold_bps"`
}

// FeeTier is one row of the protocol fee schedule.
type FeeTier struct {
	MinNotional float64 `toml:"min_notional"`
	Bps         int64   `toml:"bps"`
}

// FeesConfig holds the fee schedule. Tiers must be sorted ascending by
// min_notional and start at zero.
type FeesConfig struct {
	Tiers             []FeeTier `toml:"tiers"`
	FixedExecutionFee float64   `toml:"fixed_execution_fee"` // quote units
	GasPremiumBps     int64     `toml:"gas_premium_bps"`
}

// RouterConfig holds venue routing thresholds.
type RouterConfig struct {
	LargeOrderThreshold float64 `toml:"large_order_threshold"` // USD notional
}

// OrchestratorConfig bounds the execution orchestrator.
type OrchestratorConfig struct {
	MaxBatchSize int      `toml:"max_batch_size"`
	Parallelism  int      `toml:"parallelism"`
	VenueTimeout duration `toml:"venue_timeout"`
	LockTTL      duration `toml:"lock_ttl"`
}

// SchedulerConfig drives the due-position polling loop.
type SchedulerConfig struct {
	Enabled      bool     `toml:"enabled"`
	PollInterval duration `toml:"poll_interval"`
	BatchLimit   int      `toml:"batch_limit"`
}

// ServerConfig holds the HTTP API parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with sane development defaults. Connection
// secrets are intentionally left empty.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dcad",
			User:          "dcad",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   8,
			MaxRetries: 3,
		},
		Oracle: OracleConfig{
			Pairs: []string{"WBTC/USDC"},
		},
		Positions: PositionsConfig{
			MaxPositions:   10000,
			MaxPerOwner:    20,
			MinNotional:    10,
			EmergencyDelay: duration{72 * time.Hour},
		},
		Guards: GuardsConfig{
			MaxOracleStaleness: duration{5 * time.Minute},
			MinTWAPWindow:      duration{30 * time.Minute},
			DepegThresholdBps:  100,
		},
		Fees: FeesConfig{
			Tiers: []FeeTier{
				{MinNotional: 0, Bps: 30},
				{MinNotional: 10000, Bps: 25},
				{MinNotional: 100000, Bps: 20},
			},
			FixedExecutionFee: 0.5,
			GasPremiumBps:     5,
		},
		Router: RouterConfig{
			LargeOrderThreshold: 50000,
		},
		Orchestrator: OrchestratorConfig{
			MaxBatchSize: 50,
			Parallelism:  4,
			VenueTimeout: duration{30 * time.Second},
			LockTTL:      duration{2 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: duration{time.Minute},
			BatchLimit:   50,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"execution_skipped"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true, // API only, no scheduler
	"scheduler": true, // scheduler only, no API
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, scheduler, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
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
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Oracle feed
	if c.Oracle.WSURL == "" {
		errs = append(errs, "oracle: ws_url must not be empty")
	}
	if len(c.Oracle.Pairs) == 0 {
		errs = append(errs, "oracle: at least one pair must be configured")
	}

	// Positions
	if c.Positions.MaxPositions < 1 {
		errs = append(errs, "positions: max_positions must be >= 1")
	}
	if c.Positions.MaxPerOwner < 1 {
		errs = append(errs, "positions: max_per_owner must be >= 1")
	}
	if c.Positions.MinNotional <= 0 {
		errs = append(errs, "positions: min_notional must be > 0")
	}
	if c.Positions.EmergencyDelay.Duration <= 0 {
		errs = append(errs, "positions: emergency_delay must be > 0")
	}

	// Guards
	if c.Guards.MaxOracleStaleness.Duration <= 0 {
		errs = append(errs, "guards: max_oracle_staleness must be > 0")
	}
	if c.Guards.MinTWAPWindow.Duration <= 0 {
		errs = append(errs, "guards: min_twap_window must be > 0")
	}
	if c.Guards.DepegThresholdBps <= 0 {
		errs = append(errs, "guards: depeg_threshold_bps must be > 0")
	}

	// Fees
	if len(c.Fees.Tiers) == 0 {
		errs = append(errs, "fees: at least one tier must be configured")
	} else {
		if c.Fees.Tiers[0].MinNotional != 0 {
			errs = append(errs, "fees: the first tier must start at min_notional 0")
		}
		for i := 1; i < len(c.Fees.Tiers); i++ {
			if c.Fees.Tiers[i].MinNotional <= c.Fees.Tiers[i-1].MinNotional {
				errs = append(errs, fmt.Sprintf("fees: tier %d min_notional must exceed tier %d", i, i-1))
			}
		}
	}
	for i, t := range c.Fees.Tiers {
		if t.Bps < 0 {
			errs = append(errs, fmt.Sprintf("fees: tier %d bps must be >= 0", i))
		}
	}
	if c.Fees.FixedExecutionFee < 0 {
		errs = append(errs, "fees: fixed_execution_fee must be >= 0")
	}
	if c.Fees.GasPremiumBps < 0 {
		errs = append(errs, "fees: gas_premium_bps must be >= 0")
	}

	// Router
	if c.Router.LargeOrderThreshold <= 0 {
		errs = append(errs, "router: large_order_threshold must be > 0")
	}

	// Orchestrator
	if c.Orchestrator.MaxBatchSize < 1 {
		errs = append(errs, "orchestrator: max_batch_size must be >= 1")
	}
	if c.Orchestrator.Parallelism < 1 {
		errs = append(errs, "orchestrator: parallelism must be >= 1")
	}

	// Scheduler
	if c.Scheduler.Enabled {
		if c.Scheduler.PollInterval.Duration <= 0 {
			errs = append(errs, "scheduler: poll_interval must be > 0 when enabled")
		}
		if c.Scheduler.BatchLimit < 1 {
			errs = append(errs, "scheduler: batch_limit must be >= 1 when enabled")
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
