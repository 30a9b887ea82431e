// Package config loads environment-driven settings for the trading core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LadderStep is one rung of the staking ladder: the stake placed at that
// level and the profit a win at that level is expected to return.
type LadderStep struct {
	Bet    float64 `yaml:"bet"`
	Profit float64 `yaml:"profit"`
}

// Config holds all settings for a run.
type Config struct {
	// Broker endpoints and credentials
	BrokerWSURL   string
	BrokerAuthURL string
	Email         string
	Password      string
	BalanceKind   string // "practice" or "real"

	// Defaults for one-shot trades from the menu
	DefaultAsset    string
	DefaultStake    float64
	DefaultDuration int // minutes

	// Status API
	EnableStatusAPI bool
	Port            string

	// Strategy
	TimeframeSeconds int
	CandleCount      int
	BandPeriod       int
	BandStdDev       float64
	MinPayout        float64
	MaxTrades        int
	MaxAssets        int
	CarryForward     bool
	Assets           []string

	// Staking
	BaseStake        float64
	MartingaleFactor float64
	MaxLevel         int
	Ladder           []LadderStep

	// Engine
	MaxWorkers          int
	PlaceRetries        int
	RetryBase           time.Duration
	ConnectRetries      int
	ConnectBackoffBase  time.Duration
	AwaitTimeout        time.Duration
	SettleTimeout       time.Duration
	ExpiryCheckInterval time.Duration
	SendRatePerSecond   float64

	// Instrument-class preference, highest priority first.
	ClassPreference []string
}

// strategyFile is the optional YAML overlay for strategy and staking knobs.
type strategyFile struct {
	BandPeriod      int          `yaml:"band_period"`
	BandStdDev      float64      `yaml:"band_std_dev"`
	MinPayout       float64      `yaml:"min_payout"`
	MaxTrades       int          `yaml:"max_trades"`
	CarryForward    *bool        `yaml:"carry_forward"`
	ClassPreference []string     `yaml:"class_preference"`
	Ladder          []LadderStep `yaml:"ladder"`
}

// Load reads environment variables (optionally via .env) into Config and
// applies the YAML strategy file when STRATEGY_FILE points at one.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		BrokerWSURL:   getEnv("BROKER_WS_URL", "wss://ws.trade.example.com/echo/websocket"),
		BrokerAuthURL: getEnv("BROKER_AUTH_URL", "https://auth.trade.example.com/api/v2/login"),
		Email:         os.Getenv("BROKER_EMAIL"),
		Password:      os.Getenv("BROKER_PASSWORD"),
		BalanceKind:   strings.ToLower(getEnv("BALANCE_KIND", "practice")),

		DefaultAsset:    getEnv("DEFAULT_ASSET", "EURUSD"),
		DefaultStake:    getEnvFloat("DEFAULT_STAKE", 1),
		DefaultDuration: getEnvInt("DEFAULT_DURATION", 2),

		EnableStatusAPI: getEnv("ENABLE_STATUS_API", "true") == "true",
		Port:            getEnv("PORT", "8080"),

		TimeframeSeconds: getEnvInt("TIMEFRAME_SECONDS", 120),
		CandleCount:      getEnvInt("CANDLE_COUNT", 20),
		BandPeriod:       getEnvInt("BAND_PERIOD", 7),
		BandStdDev:       getEnvFloat("BAND_STD_DEV", 3),
		MinPayout:        getEnvFloat("MIN_PAYOUT", 70),
		MaxTrades:        getEnvInt("MAX_TRADES", 15),
		MaxAssets:        getEnvInt("MAX_ASSETS", 10),
		CarryForward:     getEnv("CARRY_FORWARD", "true") == "true",
		Assets:           splitAndTrim(getEnv("ASSETS", "EURUSD,GBPUSD,EURGBP,USDCHF")),

		BaseStake:        getEnvFloat("BASE_STAKE", 1),
		MartingaleFactor: getEnvFloat("MARTINGALE_FACTOR", 2.5),
		MaxLevel:         getEnvInt("MAX_MARTINGALE_LEVEL", 2),

		MaxWorkers:          getEnvInt("MAX_WORKERS", 10),
		PlaceRetries:        getEnvInt("PLACE_RETRIES", 3),
		RetryBase:           getEnvDuration("RETRY_BASE", 2*time.Second),
		ConnectRetries:      getEnvInt("CONNECT_RETRIES", 3),
		ConnectBackoffBase:  getEnvDuration("CONNECT_BACKOFF_BASE", 5*time.Second),
		AwaitTimeout:        getEnvDuration("AWAIT_TIMEOUT", 10*time.Second),
		SettleTimeout:       getEnvDuration("SETTLE_TIMEOUT", 60*time.Second),
		ExpiryCheckInterval: getEnvDuration("EXPIRY_CHECK_INTERVAL", 30*time.Second),
		SendRatePerSecond:   getEnvFloat("SEND_RATE_PER_SECOND", 20),

		ClassPreference: splitAndTrim(getEnv("CLASS_PREFERENCE", "binary,turbo,digital")),
	}

	if path := os.Getenv("STRATEGY_FILE"); path != "" {
		if err := cfg.applyStrategyFile(path); err != nil {
			return nil, fmt.Errorf("strategy file %s: %w", path, err)
		}
	}

	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder(cfg.BaseStake, cfg.MartingaleFactor, cfg.MaxLevel)
	}

	return cfg, nil
}

// DefaultLadder derives a ladder from base stake and martingale factor when
// no explicit table is configured. Profit figures assume an 80% payout at
// level 1 and full recovery of the prior loss at later levels.
func DefaultLadder(base, factor float64, levels int) []LadderStep {
	if levels < 1 {
		levels = 1
	}
	ladder := make([]LadderStep, 0, levels)
	ladder = append(ladder, LadderStep{Bet: base, Profit: base * 0.8})
	bet := base
	for i := 1; i < levels; i++ {
		bet *= factor
		ladder = append(ladder, LadderStep{Bet: bet, Profit: base})
	}
	return ladder
}

func (c *Config) applyStrategyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sf strategyFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return err
	}
	if sf.BandPeriod > 0 {
		c.BandPeriod = sf.BandPeriod
	}
	if sf.BandStdDev > 0 {
		c.BandStdDev = sf.BandStdDev
	}
	if sf.MinPayout > 0 {
		c.MinPayout = sf.MinPayout
	}
	if sf.MaxTrades > 0 {
		c.MaxTrades = sf.MaxTrades
	}
	if sf.CarryForward != nil {
		c.CarryForward = *sf.CarryForward
	}
	if len(sf.ClassPreference) > 0 {
		c.ClassPreference = sf.ClassPreference
	}
	if len(sf.Ladder) > 0 {
		c.Ladder = sf.Ladder
		c.BaseStake = sf.Ladder[0].Bet
		c.MaxLevel = len(sf.Ladder)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
