package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads the TOML file at path over Defaults, loads .env if present and
// applies environment overrides. An empty path or a missing file leaves the
// defaults in place. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads ENGINE_* variables, plus the bare PORT,
// DATABASE_URL and REDIS_URL that deploy platforms inject.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "ENGINE_SERVER_REQUEST_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.Store.DatabaseURL, "ENGINE_STORE_DATABASE_URL")
	setInt(&cfg.Store.MaxConns, "ENGINE_STORE_MAX_CONNS")
	setBool(&cfg.Store.RunMigrations, "ENGINE_STORE_RUN_MIGRATIONS")
	setDuration(&cfg.Store.CacheTTL, "ENGINE_STORE_CACHE_TTL")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "ENGINE_REDIS_URL")

	// ── Oracle ──
	setStr(&cfg.Oracle.Source, "ENGINE_ORACLE_SOURCE")
	setStr(&cfg.Oracle.BaseURL, "ENGINE_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.APIKey, "ENGINE_ORACLE_API_KEY")
	setInt(&cfg.Oracle.Attempts, "ENGINE_ORACLE_ATTEMPTS")
	setDuration(&cfg.Oracle.Backoff, "ENGINE_ORACLE_BACKOFF")
	setDuration(&cfg.Oracle.CacheMaxAge, "ENGINE_ORACLE_CACHE_MAX_AGE")

	// ── Gate ──
	setDuration(&cfg.Gate.MinDwell, "ENGINE_GATE_MIN_DWELL")
	setDecimal(&cfg.Gate.MinPnL, "ENGINE_GATE_MIN_PNL")

	// ── Ledger ──
	setDecimal(&cfg.Ledger.StakeUnit, "ENGINE_LEDGER_STAKE_UNIT")

	// ── Rewards ──
	setStr(&cfg.Rewards.CatalogPath, "ENGINE_REWARDS_CATALOG_PATH")

	// ── Limits ──
	setInt(&cfg.Limits.General, "ENGINE_LIMITS_GENERAL")
	setInt(&cfg.Limits.Hook, "ENGINE_LIMITS_HOOK")

	// ── Presenter ──
	setBool(&cfg.Presenter.WebSocket, "ENGINE_PRESENTER_WEBSOCKET")
	setStr(&cfg.Presenter.TelegramToken, "ENGINE_PRESENTER_TELEGRAM_TOKEN")

	// ── Top-level ──
	setStr(&cfg.AdminToken, "ENGINE_ADMIN_TOKEN")
	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
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
