// Package config defines the session engine configuration and its
// validation. Values come from a TOML file merged over Defaults and are then
// overridden by ENGINE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig    `toml:"server"`
	Store      StoreConfig     `toml:"store"`
	Redis      RedisConfig     `toml:"redis"`
	Oracle     OracleConfig    `toml:"oracle"`
	Gate       GateConfig      `toml:"gate"`
	Ledger     LedgerConfig    `toml:"ledger"`
	Rewards    RewardsConfig   `toml:"rewards"`
	Limits     LimitsConfig    `toml:"limits"`
	Presenter  PresenterConfig `toml:"presenter"`
	AdminToken string          `toml:"admin_token"`
	LogLevel   string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend. An empty DatabaseURL means
// the in-memory store.
type StoreConfig struct {
	DatabaseURL   string   `toml:"database_url"`
	MaxConns      int      `toml:"max_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	CacheTTL      duration `toml:"cache_ttl"`
}

// RedisConfig enables the read-through cache, the shared rate limiter and
// the distributed per-user lock. An empty URL disables all three.
type RedisConfig struct {
	URL string `toml:"url"`
}

// OracleConfig selects and tunes the price source.
type OracleConfig struct {
	Source      string            `toml:"source"` // "fixed" or "coingecko"
	BaseURL     string            `toml:"base_url"`
	APIKey      string            `toml:"api_key"`
	Timeout     duration          `toml:"timeout"`
	Attempts    int               `toml:"attempts"`
	Backoff     duration          `toml:"backoff"`
	CacheMaxAge duration          `toml:"cache_max_age"`
	Prices      map[string]string `toml:"prices"` // fixed source only
}

// GateConfig holds the anti-spam thresholds.
type GateConfig struct {
	MinDwell duration        `toml:"min_dwell"`
	MinPnL   decimal.Decimal `toml:"min_pnl"`
}

// LedgerConfig holds the notional committed by one position.
type LedgerConfig struct {
	StakeUnit decimal.Decimal `toml:"stake_unit"`
}

// RewardsConfig points at the YAML reward catalog. An empty path uses the
// built-in catalog.
type RewardsConfig struct {
	CatalogPath string `toml:"catalog_path"`
}

// LimitsConfig holds the per-user command rate limits.
type LimitsConfig struct {
	General int      `toml:"general"`
	Hook    int      `toml:"hook"`
	Window  duration `toml:"window"`
}

// PresenterConfig selects where surfaces are delivered.
type PresenterConfig struct {
	WebSocket       bool     `toml:"websocket"`
	TelegramToken   string   `toml:"telegram_token"`
	TelegramBaseURL string   `toml:"telegram_base_url"`
	TelegramTimeout duration `toml:"telegram_timeout"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validSources = map[string]bool{"fixed": true, "coingecko": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Store.DatabaseURL != "" && c.Store.MaxConns <= 0 {
		errs = append(errs, "store: max_conns must be positive")
	}

	if !validSources[strings.ToLower(c.Oracle.Source)] {
		errs = append(errs, fmt.Sprintf("oracle: unknown source %q (valid: fixed, coingecko)", c.Oracle.Source))
	}
	if c.Oracle.Attempts < 1 {
		errs = append(errs, "oracle: attempts must be at least 1")
	}
	for sym, raw := range c.Oracle.Prices {
		if p, err := decimal.NewFromString(raw); err != nil || !p.IsPositive() {
			errs = append(errs, fmt.Sprintf("oracle: price for %s must be a positive number, got %q", sym, raw))
		}
	}

	if c.Gate.MinDwell.Duration < 0 {
		errs = append(errs, "gate: min_dwell must not be negative")
	}
	if c.Gate.MinPnL.IsNegative() {
		errs = append(errs, "gate: min_pnl must not be negative")
	}
	if !c.Ledger.StakeUnit.IsPositive() {
		errs = append(errs, "ledger: stake_unit must be positive")
	}

	if c.Limits.General < 1 || c.Limits.Hook < 1 {
		errs = append(errs, "limits: general and hook must be at least 1")
	}
	if c.Limits.Window.Duration <= 0 {
		errs = append(errs, "limits: window must be positive")
	}

	if !c.Presenter.WebSocket && c.Presenter.TelegramToken == "" {
		errs = append(errs, "presenter: enable websocket or set telegram_token")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// FixedPrices parses the fixed oracle price table. Call after Validate.
func (c *Config) FixedPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Oracle.Prices))
	for sym, raw := range c.Oracle.Prices {
		out[strings.ToUpper(sym)] = decimal.RequireFromString(raw)
	}
	return out
}

// Defaults returns a configuration that runs locally with no external
// services.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Store: StoreConfig{
			MaxConns:      10,
			RunMigrations: true,
			CacheTTL:      duration{30 * time.Second},
		},
		Oracle: OracleConfig{
			Source:      "fixed",
			BaseURL:     "https://api.coingecko.com/api/v3",
			Timeout:     duration{5 * time.Second},
			Attempts:    3,
			Backoff:     duration{200 * time.Millisecond},
			CacheMaxAge: duration{5 * time.Second},
			Prices: map[string]string{
				"BTC/USDT": "60000",
				"ETH/USDT": "3000",
				"SOL/USDT": "150",
			},
		},
		Gate: GateConfig{
			MinDwell: duration{60 * time.Second},
			MinPnL:   decimal.NewFromFloat(0.1),
		},
		Ledger: LedgerConfig{
			StakeUnit: decimal.NewFromInt(1000),
		},
		Limits: LimitsConfig{
			General: 30,
			Hook:    3,
			Window:  duration{time.Minute},
		},
		Presenter: PresenterConfig{
			WebSocket:       true,
			TelegramBaseURL: "https://api.telegram.org",
			TelegramTimeout: duration{10 * time.Second},
		},
		LogLevel: "info",
	}
}
