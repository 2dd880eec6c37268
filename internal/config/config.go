// Package config loads every runtime option this bot recognizes:
// environment variables first, with an optional config.yaml overlay
// loaded underneath them (gopkg.in/yaml.v3).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RunMode selects how orders are handled: never sent, sent to testnet, or
// sent live.
type RunMode string

const (
	ModeSimulate RunMode = "simulate"
	ModeTestnet  RunMode = "testnet"
	ModeLive     RunMode = "live"
)

// RiskConfig holds every static risk-gate threshold.
type RiskConfig struct {
	MaxDrawdownPct         decimal.Decimal
	DailyLossLimit         decimal.Decimal
	RiskPctPerTrade        decimal.Decimal
	MaxPositions           int
	MaxLeverage            int
	DefaultLeverage        int
	CooldownHoursAfterLoss int
	ConsecutiveLossLimit   int
	BalanceTolerance       decimal.Decimal
}

// NewsConfig controls the news-risk classifier's polling and blocking.
type NewsConfig struct {
	Enabled             bool
	PollIntervalMinutes int
	TTL                 time.Duration
	BlockLevel          string
}

// LLMConfig configures the news classifier's language-model backend.
type LLMConfig struct {
	Provider          string
	Model             string
	RateLimitPerMinute int
	RequestTimeoutSec int
	RetryAttempts     int
	RetryBackoffSec   int
}

// Config is every option this bot recognizes, from risk thresholds down to
// transport, logging, and lock-file settings.
type Config struct {
	Mode          RunMode
	EnableTrading bool
	InitialEquity decimal.Decimal

	Risk RiskConfig
	News NewsConfig
	LLM  LLMConfig

	BinanceRestBaseURL string
	BinanceWSBaseURL   string
	BinanceAPIKey      string
	BinanceAPISecret   string

	LedgerPath string
	LogPath    string
	LockPath   string
	LogLevel   string
	LogFormat  string

	MetricsPort int
	APIPort     int
}

// yamlOverlay is the optional config.yaml shape merged underneath env vars.
type yamlOverlay struct {
	Mode          string `yaml:"mode"`
	EnableTrading *bool  `yaml:"enable_trading"`
	InitialEquity string `yaml:"initial_equity"`
}

// Load reads .env (if present), applies an optional YAML file, then layers
// environment variables on top, and validates that Binance API credentials
// are present outside of simulate mode.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := applyYAML(cfg, path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg.Mode = RunMode(getEnv("RUN_MODE", string(cfg.Mode)))
	cfg.EnableTrading = getEnvBool("ENABLE_TRADING", cfg.EnableTrading)
	cfg.InitialEquity = getEnvDecimal("INITIAL_EQUITY", cfg.InitialEquity)

	cfg.Risk.MaxDrawdownPct = getEnvDecimal("MAX_DRAWDOWN_PCT", cfg.Risk.MaxDrawdownPct)
	cfg.Risk.DailyLossLimit = getEnvDecimal("DAILY_LOSS_LIMIT", cfg.Risk.DailyLossLimit)
	cfg.Risk.RiskPctPerTrade = getEnvDecimal("RISK_PCT_PER_TRADE", cfg.Risk.RiskPctPerTrade)
	cfg.Risk.MaxPositions = getEnvInt("MAX_POSITIONS", cfg.Risk.MaxPositions)
	cfg.Risk.MaxLeverage = getEnvInt("MAX_LEVERAGE", cfg.Risk.MaxLeverage)
	cfg.Risk.DefaultLeverage = getEnvInt("DEFAULT_LEVERAGE", cfg.Risk.DefaultLeverage)
	cfg.Risk.CooldownHoursAfterLoss = getEnvInt("COOLDOWN_HOURS_AFTER_LOSS", cfg.Risk.CooldownHoursAfterLoss)
	cfg.Risk.ConsecutiveLossLimit = getEnvInt("CONSECUTIVE_LOSS_LIMIT", cfg.Risk.ConsecutiveLossLimit)
	cfg.Risk.BalanceTolerance = getEnvDecimal("BALANCE_TOLERANCE", cfg.Risk.BalanceTolerance)

	cfg.News.Enabled = getEnvBool("NEWS_ENABLED", cfg.News.Enabled)
	cfg.News.PollIntervalMinutes = getEnvInt("NEWS_POLL_INTERVAL_MINUTES", cfg.News.PollIntervalMinutes)
	cfg.News.TTL = getEnvDuration("NEWS_TTL", cfg.News.TTL)
	cfg.News.BlockLevel = getEnv("NEWS_BLOCK_LEVEL", cfg.News.BlockLevel)

	cfg.LLM.Provider = getEnv("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.RateLimitPerMinute = getEnvInt("LLM_RATE_LIMIT_PER_MINUTE", cfg.LLM.RateLimitPerMinute)
	cfg.LLM.RequestTimeoutSec = getEnvInt("LLM_REQUEST_TIMEOUT_SEC", cfg.LLM.RequestTimeoutSec)
	cfg.LLM.RetryAttempts = getEnvInt("LLM_RETRY_ATTEMPTS", cfg.LLM.RetryAttempts)
	cfg.LLM.RetryBackoffSec = getEnvInt("LLM_RETRY_BACKOFF_SEC", cfg.LLM.RetryBackoffSec)

	cfg.BinanceRestBaseURL = getEnv("BINANCE_REST_BASE_URL", cfg.BinanceRestBaseURL)
	cfg.BinanceWSBaseURL = getEnv("BINANCE_WS_BASE_URL", cfg.BinanceWSBaseURL)
	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceAPISecret = getEnv("BINANCE_API_SECRET", "")

	cfg.LedgerPath = getEnv("LEDGER_PATH", cfg.LedgerPath)
	cfg.LogPath = getEnv("LOG_PATH", cfg.LogPath)
	cfg.LockPath = getEnv("LOCK_PATH", cfg.LockPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.MetricsPort = getEnvInt("METRICS_PORT", cfg.MetricsPort)
	cfg.APIPort = getEnvInt("API_PORT", cfg.APIPort)

	if cfg.Mode != ModeSimulate && (cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "") {
		return nil, fmt.Errorf("config: BINANCE_API_KEY and BINANCE_API_SECRET are required outside simulate mode")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Mode:          ModeSimulate,
		EnableTrading: false,
		InitialEquity: decimal.NewFromInt(10000),
		Risk: RiskConfig{
			MaxDrawdownPct:        decimal.NewFromFloat(0.20),
			DailyLossLimit:        decimal.NewFromInt(500),
			RiskPctPerTrade:       decimal.NewFromFloat(0.01),
			MaxPositions:          5,
			MaxLeverage:           10,
			DefaultLeverage:       3,
			CooldownHoursAfterLoss: 4,
			ConsecutiveLossLimit:   3,
			BalanceTolerance:       decimal.NewFromInt(5),
		},
		News: NewsConfig{
			Enabled:             true,
			PollIntervalMinutes: 15,
			TTL:                 4 * time.Hour,
			BlockLevel:          "HIGH",
		},
		LLM: LLMConfig{
			Provider:           "openai",
			Model:              "gpt-4o-mini",
			RateLimitPerMinute: 20,
			RequestTimeoutSec:  15,
			RetryAttempts:      3,
			RetryBackoffSec:    2,
		},
		BinanceRestBaseURL: "https://fapi.binance.com",
		BinanceWSBaseURL:   "wss://fstream.binance.com",
		LedgerPath:         "data/ledger.jsonl",
		LogPath:            "logs",
		LockPath:           "logs/bot.lock",
		LogLevel:           "info",
		LogFormat:          "console",
		MetricsPort:        9090,
		APIPort:            8081,
	}
}

func applyYAML(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if overlay.Mode != "" {
		cfg.Mode = RunMode(overlay.Mode)
	}
	if overlay.EnableTrading != nil {
		cfg.EnableTrading = *overlay.EnableTrading
	}
	if overlay.InitialEquity != "" {
		if d, err := decimal.NewFromString(overlay.InitialEquity); err == nil {
			cfg.InitialEquity = d
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}
