package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apollo-trading/futures-core/internal/config"
)

func TestLoadDefaultsToSimulateWithoutCredentials(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.ModeSimulate, cfg.Mode)
	assert.Equal(t, 5, cfg.Risk.MaxPositions)
	assert.Equal(t, "HIGH", cfg.News.BlockLevel)
}

func TestLoadRequiresBinanceCredentialsOutsideSimulate(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUN_MODE", "live")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadAppliesEnvOverridesOverDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUN_MODE", "testnet")
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")
	t.Setenv("MAX_POSITIONS", "9")
	t.Setenv("RISK_PCT_PER_TRADE", "0.02")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.ModeTestnet, cfg.Mode)
	assert.Equal(t, 9, cfg.Risk.MaxPositions)
	assert.True(t, cfg.Risk.RiskPctPerTrade.Equal(decimal.RequireFromString("0.02")))
}

func TestLoadAppliesYAMLOverlayUnderEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("mode: testnet\ninitial_equity: \"25000\"\n"), 0o644))

	t.Setenv("CONFIG_FILE", yamlPath)
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.ModeTestnet, cfg.Mode)
	assert.True(t, cfg.InitialEquity.Equal(decimal.RequireFromString("25000")))
}

func TestLoadEnvOverridesYAMLOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("mode: testnet\n"), 0o644))

	t.Setenv("CONFIG_FILE", yamlPath)
	t.Setenv("RUN_MODE", "simulate")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.ModeSimulate, cfg.Mode)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "RUN_MODE", "ENABLE_TRADING", "INITIAL_EQUITY",
		"MAX_DRAWDOWN_PCT", "DAILY_LOSS_LIMIT", "RISK_PCT_PER_TRADE", "MAX_POSITIONS",
		"MAX_LEVERAGE", "DEFAULT_LEVERAGE", "COOLDOWN_HOURS_AFTER_LOSS", "CONSECUTIVE_LOSS_LIMIT",
		"NEWS_ENABLED", "NEWS_POLL_INTERVAL_MINUTES", "NEWS_TTL", "NEWS_BLOCK_LEVEL",
		"LLM_PROVIDER", "LLM_MODEL", "LLM_RATE_LIMIT_PER_MINUTE", "LLM_REQUEST_TIMEOUT_SEC",
		"LLM_RETRY_ATTEMPTS", "LLM_RETRY_BACKOFF_SEC",
		"BINANCE_REST_BASE_URL", "BINANCE_WS_BASE_URL", "BINANCE_API_KEY", "BINANCE_API_SECRET",
		"LEDGER_PATH", "LOG_PATH", "LOCK_PATH", "LOG_LEVEL", "LOG_FORMAT",
		"METRICS_PORT", "API_PORT",
	} {
		t.Setenv(key, "")
	}
}
