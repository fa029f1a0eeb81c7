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

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Gate.MinDwell.Duration)
	assert.True(t, cfg.Gate.MinPnL.Equal(decimal.NewFromFloat(0.1)))
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[gate]
min_dwell = "45s"
min_pnl = "0.25"

[oracle]
source = "coingecko"

[oracle.prices]
"DOT/USDT" = "7.5"

[limits]
hook = 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Gate.MinDwell.Duration)
	assert.True(t, cfg.Gate.MinPnL.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, "coingecko", cfg.Oracle.Source)
	assert.Equal(t, 5, cfg.Limits.Hook)
	assert.Equal(t, 30, cfg.Limits.General, "untouched fields keep defaults")
	assert.Equal(t, 8080, cfg.Server.Port)

	prices := cfg.FixedPrices()
	assert.True(t, prices["DOT/USDT"].Equal(decimal.RequireFromString("7.5")))
	assert.Contains(t, prices, "ETH/USDT")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "[gate\nmin_dwell ="))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[gate]\nmin_dwell = \"soon\""))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://localhost/engine")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ENGINE_GATE_MIN_DWELL", "2m")
	t.Setenv("ENGINE_GATE_MIN_PNL", "0.5")
	t.Setenv("ENGINE_ADMIN_TOKEN", "tok")
	t.Setenv("ENGINE_LIMITS_HOOK", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/engine", cfg.Store.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 2*time.Minute, cfg.Gate.MinDwell.Duration)
	assert.True(t, cfg.Gate.MinPnL.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, "tok", cfg.AdminToken)
	assert.Equal(t, 3, cfg.Limits.Hook, "unparseable override is ignored")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Oracle.Source = "magic"
	cfg.Oracle.Prices["BAD/USDT"] = "-1"
	cfg.Ledger.StakeUnit = decimal.Zero
	cfg.Limits.Hook = 0
	cfg.Presenter.WebSocket = false

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log_level", "oracle: unknown source", "BAD/USDT", "stake_unit", "limits", "presenter"} {
		assert.Contains(t, err.Error(), want)
	}
}
