package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for the engine. It is built once at startup
// and passed by reference into each component's constructor; nothing
// mutates it afterwards.
type Config struct {
	// Mode
	PaperTrading bool
	Debug        bool

	// Watchlist
	Symbols []string

	// Exchange credentials (passed through to the exchange SDK)
	Exchange          string
	BinanceAPIKey     string
	BinanceAPISecret  string
	BinanceTestnet    bool

	// Account
	InitialBalance decimal.Decimal

	Risk  RiskConfig
	Fetch FetchConfig
	Feed  FeedConfig

	// Signal evaluation
	SignalCooldown    time.Duration
	MinSignalStrength decimal.Decimal

	// Monitoring
	MonitorInterval   time.Duration
	MaxDrawdownPct    decimal.Decimal // emergency stop threshold

	// Persistence
	StatePath string // JSON portfolio snapshot, empty disables

	// Telegram
	TelegramToken  string
	TelegramChatID int64
}

// RiskConfig bounds per-trade and portfolio-wide exposure
type RiskConfig struct {
	MaxRiskPerTrade      decimal.Decimal `yaml:"max_risk_per_trade"`     // fraction, e.g. 0.002
	MinSafetyRatio       decimal.Decimal `yaml:"min_safety_ratio"`       // liquidation vs stop distance
	DefaultLeverage      int             `yaml:"default_leverage"`
	MaxPositionPercent   decimal.Decimal `yaml:"max_position_percent"`   // fraction of balance per position
	StopLossPercent      decimal.Decimal `yaml:"stop_loss_percent"`      // default adverse distance, e.g. 0.02
	TakeProfitPercent    decimal.Decimal `yaml:"take_profit_percent"`    // advisory target, e.g. 0.04
	MaxMarginFraction    decimal.Decimal `yaml:"max_margin_fraction"`    // per-trade margin vs balance
	MaxPositions         int             `yaml:"max_positions"`
	MaxPortfolioRisk     decimal.Decimal `yaml:"max_portfolio_risk"`     // aggregate risk fraction
	MaxConcentration     decimal.Decimal `yaml:"max_concentration"`      // single-position share of exposure
	MaxMarginUtilization decimal.Decimal `yaml:"max_margin_utilization"` // portfolio-wide fraction
	MinAccountBalance    decimal.Decimal `yaml:"min_account_balance"`
}

// FetchConfig tunes retry, backoff and circuit breaking for exchange calls
type FetchConfig struct {
	MaxRetries        int             `yaml:"max_retries"`
	RetryDelay        time.Duration   `yaml:"retry_delay"`
	BackoffMultiplier float64         `yaml:"backoff_multiplier"`
	RateLimitBuffer   float64         `yaml:"rate_limit_buffer"` // extra multiplier on rate-limit errors
	Timeout           time.Duration   `yaml:"timeout"`
}

// FeedConfig tunes the market data layer
type FeedConfig struct {
	Timeframe            string        `yaml:"timeframe"`
	CandleBuffer         int           `yaml:"candle_buffer"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	FallbackInterval     time.Duration `yaml:"fallback_interval"`
	MaxDataAge           time.Duration `yaml:"max_data_age"`
}

// Load builds a Config from environment variables with defaults, then
// applies an optional YAML overlay named by TRADEGUARD_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		PaperTrading: getEnvBool("PAPER_TRADING", true),
		Debug:        getEnvBool("DEBUG", false),

		Symbols: splitList(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),

		Exchange:         getEnv("EXCHANGE", "binance"),
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:   getEnvBool("BINANCE_TESTNET", true),

		InitialBalance: getEnvDecimal("INITIAL_BALANCE", decimal.NewFromInt(1000)),

		Risk: RiskConfig{
			MaxRiskPerTrade:      getEnvDecimal("MAX_RISK_PER_TRADE", decimal.NewFromFloat(0.002)),
			MinSafetyRatio:       getEnvDecimal("MIN_SAFETY_RATIO", decimal.NewFromFloat(1.5)),
			DefaultLeverage:      getEnvInt("DEFAULT_LEVERAGE", 5),
			MaxPositionPercent:   getEnvDecimal("MAX_POSITION_PERCENT", decimal.NewFromFloat(0.1)),
			StopLossPercent:      getEnvDecimal("STOP_LOSS_PERCENT", decimal.NewFromFloat(0.02)),
			TakeProfitPercent:    getEnvDecimal("TAKE_PROFIT_PERCENT", decimal.NewFromFloat(0.04)),
			MaxMarginFraction:    getEnvDecimal("MAX_MARGIN_FRACTION", decimal.NewFromFloat(0.8)),
			MaxPositions:         getEnvInt("MAX_POSITIONS", 5),
			MaxPortfolioRisk:     getEnvDecimal("MAX_PORTFOLIO_RISK", decimal.NewFromFloat(0.05)),
			MaxConcentration:     getEnvDecimal("MAX_CONCENTRATION", decimal.NewFromFloat(0.4)),
			MaxMarginUtilization: getEnvDecimal("MAX_MARGIN_UTILIZATION", decimal.NewFromFloat(0.8)),
			MinAccountBalance:    getEnvDecimal("MIN_ACCOUNT_BALANCE", decimal.NewFromInt(10)),
		},

		Fetch: FetchConfig{
			MaxRetries:        getEnvInt("FETCH_MAX_RETRIES", 3),
			RetryDelay:        getEnvDuration("FETCH_RETRY_DELAY", time.Second),
			BackoffMultiplier: getEnvFloat("FETCH_BACKOFF_MULTIPLIER", 2.0),
			RateLimitBuffer:   getEnvFloat("FETCH_RATE_LIMIT_BUFFER", 1.2),
			Timeout:           getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		},

		Feed: FeedConfig{
			Timeframe:            getEnv("FEED_TIMEFRAME", "1m"),
			CandleBuffer:         getEnvInt("FEED_CANDLE_BUFFER", 1000),
			ReconnectDelay:       getEnvDuration("FEED_RECONNECT_DELAY", 5*time.Second),
			MaxReconnectAttempts: getEnvInt("FEED_MAX_RECONNECTS", 10),
			FallbackInterval:     getEnvDuration("FEED_FALLBACK_INTERVAL", 10*time.Second),
			MaxDataAge:           getEnvDuration("FEED_MAX_DATA_AGE", 60*time.Second),
		},

		SignalCooldown:    time.Duration(getEnvInt("SIGNAL_COOLDOWN_MINUTES", 15)) * time.Minute,
		MinSignalStrength: getEnvDecimal("MIN_SIGNAL_STRENGTH", decimal.NewFromFloat(0.6)),

		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
		MaxDrawdownPct:  getEnvDecimal("MAX_DRAWDOWN_PCT", decimal.NewFromFloat(0.10)),

		StatePath: getEnv("STATE_PATH", "data/portfolio.json"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if path := os.Getenv("TRADEGUARD_CONFIG"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, fmt.Errorf("config overlay %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// overlay is the YAML shape of the optional config file
type overlay struct {
	Symbols []string    `yaml:"symbols"`
	Risk    *RiskConfig `yaml:"risk"`
	Fetch   *FetchConfig `yaml:"fetch"`
	Feed    *FeedConfig  `yaml:"feed"`
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return err
	}

	if len(ov.Symbols) > 0 {
		c.Symbols = ov.Symbols
	}
	if ov.Risk != nil {
		c.Risk = *ov.Risk
	}
	if ov.Fetch != nil {
		c.Fetch = *ov.Fetch
	}
	if ov.Feed != nil {
		c.Feed = *ov.Feed
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if c.Risk.MaxRiskPerTrade.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max_risk_per_trade must be positive")
	}
	if c.Risk.DefaultLeverage < 1 {
		return fmt.Errorf("default_leverage must be >= 1")
	}
	if c.Risk.MaxPositions < 1 {
		return fmt.Errorf("max_positions must be >= 1")
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch max_retries must be >= 1")
	}
	return nil
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}
