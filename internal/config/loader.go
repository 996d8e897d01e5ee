package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DCAD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known DCAD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DCAD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DCAD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DCAD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DCAD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DCAD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DCAD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DCAD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DCAD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DCAD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DCAD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DCAD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DCAD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DCAD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DCAD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DCAD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DCAD_REDIS_TLS_ENABLED")

	// ── Oracle feed ──
	setStr(&cfg.Oracle.WSURL, "DCAD_ORACLE_WS_URL")
	setStringSlice(&cfg.Oracle.Pairs, "DCAD_ORACLE_PAIRS")

	// ── Ethereum ──
	setStr(&cfg.Eth.RPCURL, "DCAD_ETH_RPC_URL")

	// ── Positions ──
	setInt(&cfg.Positions.MaxPositions, "DCAD_POSITIONS_MAX_POSITIONS")
	setInt(&cfg.Positions.MaxPerOwner, "DCAD_POSITIONS_MAX_PER_OWNER")
	setFloat64(&cfg.Positions.MinNotional, "DCAD_POSITIONS_MIN_NOTIONAL")
	setDuration(&cfg.Positions.EmergencyDelay, "DCAD_POSITIONS_EMERGENCY_DELAY")

	// ── Guards ──
	setDuration(&cfg.Guards.MaxOracleStaleness, "DCAD_GUARDS_MAX_ORACLE_STALENESS")
	setDuration(&cfg.Guards.MinTWAPWindow, "DCAD_GUARDS_MIN_TWAP_WINDOW")
	setInt64(&cfg.Guards.DepegThresholdBps, "DCAD_GUARDS_DEPEG_THRESHOLD_BPS")

	// ── Fees ──
	setFloat64(&cfg.Fees.FixedExecutionFee, "DCAD_FEES_FIXED_EXECUTION_FEE")
	setInt64(&cfg.Fees.GasPremiumBps, "DCAD_FEES_GAS_PREMIUM_BPS")

	// ── Router ──
	setFloat64(&cfg.Router.LargeOrderThreshold, "DCAD_ROUTER_LARGE_ORDER_THRESHOLD")

	// ── Orchestrator ──
	setInt(&cfg.Orchestrator.MaxBatchSize, "DCAD_ORCHESTRATOR_MAX_BATCH_SIZE")
	setInt(&cfg.Orchestrator.Parallelism, "DCAD_ORCHESTRATOR_PARALLELISM")
	setDuration(&cfg.Orchestrator.VenueTimeout, "DCAD_ORCHESTRATOR_VENUE_TIMEOUT")
	setDuration(&cfg.Orchestrator.LockTTL, "DCAD_ORCHESTRATOR_LOCK_TTL")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "DCAD_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.PollInterval, "DCAD_SCHEDULER_POLL_INTERVAL")
	setInt(&cfg.Scheduler.BatchLimit, "DCAD_SCHEDULER_BATCH_LIMIT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DCAD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DCAD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DCAD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DCAD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DCAD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "DCAD_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DCAD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DCAD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DCAD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DCAD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DCAD_MODE")
	setStr(&cfg.LogLevel, "DCAD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
