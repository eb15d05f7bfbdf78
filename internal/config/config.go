// Package config loads service configuration from an optional YAML file,
// overlaid by environment variables. A .env file in the working directory is
// loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/prop-engine/internal/challenge"
	"github.com/atmx/prop-engine/internal/model"
	"github.com/atmx/prop-engine/internal/scheduler"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Trading     TradingConfig     `yaml:"trading"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Outage      OutageConfig      `yaml:"outage"`
	Scheduler   scheduler.Specs   `yaml:"scheduler"`
	Log         LogConfig         `yaml:"log"`
	Tiers       []TierConfig      `yaml:"tiers"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL; an empty URL means the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig backs idempotency keys and the market-data feed and cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// KafkaConfig enables the Kafka event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MarketDataConfig struct {
	Mode           string        `yaml:"mode"` // redis | demo
	PriceMaxAge    time.Duration `yaml:"price_max_age"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	InfoCacheTTL   time.Duration `yaml:"info_cache_ttl"`
	PriceCacheTTL  time.Duration `yaml:"price_cache_ttl"`
	FeedStaleAfter time.Duration `yaml:"feed_stale_after"`
}

type TradingConfig struct {
	MaxSlippage float64 `yaml:"max_slippage"` // fraction, 0.05 == 5%
}

type IdempotencyConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
}

type TasksConfig struct {
	Workers     int           `yaml:"workers"`
	Buffer      int           `yaml:"buffer"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type OutageConfig struct {
	Grace time.Duration `yaml:"grace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

// TierConfig is one challenge size. Rules use the flat persisted record
// (whole percentages or absolute dollar caps are accepted) and are
// normalized once when the tier is built.
type TierConfig struct {
	Name            string         `yaml:"name"`
	StartingBalance int64          `yaml:"starting_balance"`
	Rules           model.RawRules `yaml:"rules"`
}

// Load reads path (skipped when empty) and applies environment overrides and
// defaults.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites values with environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"PORT":             &cfg.Server.Port,
		"DATABASE_URL":     &cfg.Database.URL,
		"REDIS_URL":        &cfg.Redis.URL,
		"KAFKA_TOPIC":      &cfg.Kafka.Topic,
		"MARKET_DATA_MODE": &cfg.MarketData.Mode,
		"LOG_LEVEL":        &cfg.Log.Level,
		"LOG_FORMAT":       &cfg.Log.Format,
	}
	for k, dst := range str {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	durations := map[string]*time.Duration{
		"PRICE_MAX_AGE":    &cfg.MarketData.PriceMaxAge,
		"FETCH_TIMEOUT":    &cfg.MarketData.FetchTimeout,
		"FEED_STALE_AFTER": &cfg.MarketData.FeedStaleAfter,
		"IDEMPOTENCY_TTL":  &cfg.Idempotency.TTL,
		"OUTAGE_GRACE":     &cfg.Outage.Grace,
		"SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
	}
	var errs []error
	for _, k := range sortedKeys(durations) {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		*durations[k] = d
	}

	ints := map[string]*int{
		"TASK_WORKERS":      &cfg.Tasks.Workers,
		"TASK_MAX_ATTEMPTS": &cfg.Tasks.MaxAttempts,
	}
	for _, k := range sortedKeys(ints) {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		*ints[k] = n
	}

	if v := os.Getenv("MAX_SLIPPAGE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_SLIPPAGE: %w", err))
		} else {
			cfg.Trading.MaxSlippage = f
		}
	}
	return errors.Join(errs...)
}

// setDefaults fills every value a deployment usually leaves out.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "prop.events"
	}
	if cfg.MarketData.Mode == "" {
		if cfg.Redis.URL != "" {
			cfg.MarketData.Mode = "redis"
		} else {
			cfg.MarketData.Mode = "demo"
		}
	}
	if cfg.MarketData.PriceMaxAge <= 0 {
		cfg.MarketData.PriceMaxAge = 60 * time.Second
	}
	if cfg.MarketData.FetchTimeout <= 0 {
		cfg.MarketData.FetchTimeout = 2 * time.Second
	}
	if cfg.MarketData.InfoCacheTTL <= 0 {
		cfg.MarketData.InfoCacheTTL = 30 * time.Second
	}
	if cfg.MarketData.PriceCacheTTL <= 0 {
		cfg.MarketData.PriceCacheTTL = 5 * time.Minute
	}
	if cfg.MarketData.FeedStaleAfter <= 0 {
		cfg.MarketData.FeedStaleAfter = 2 * time.Minute
	}
	if cfg.Trading.MaxSlippage <= 0 {
		cfg.Trading.MaxSlippage = 0.05
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 60 * time.Second
	}
	if cfg.Idempotency.Timeout <= 0 {
		cfg.Idempotency.Timeout = 500 * time.Millisecond
	}
	if cfg.Outage.Grace <= 0 {
		cfg.Outage.Grace = 30 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	switch c.MarketData.Mode {
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("market data mode redis requires REDIS_URL")
		}
	case "demo":
	default:
		return fmt.Errorf("unknown market data mode %q", c.MarketData.Mode)
	}
	seen := make(map[string]bool)
	for _, t := range c.Tiers {
		name := strings.ToLower(t.Name)
		if name == "" {
			return errors.New("tier without a name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate tier %q", t.Name)
		}
		seen[name] = true
		if t.StartingBalance <= 0 {
			return fmt.Errorf("tier %q: starting balance must be positive", t.Name)
		}
	}
	return nil
}

// MaxSlippage returns the default slippage tolerance as a decimal.
func (c *Config) MaxSlippage() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.MaxSlippage)
}

// ChallengeTiers normalizes the configured tiers, or returns the defaults
// when none are configured.
func (c *Config) ChallengeTiers() ([]challenge.Tier, error) {
	if len(c.Tiers) == 0 {
		return challenge.DefaultTiers(), nil
	}
	out := make([]challenge.Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		balance := decimal.NewFromInt(t.StartingBalance)
		rules, err := model.NormalizeRules(t.Rules, balance)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", t.Name, err)
		}
		out = append(out, challenge.Tier{Name: t.Name, StartingBalance: balance, Rules: rules})
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
