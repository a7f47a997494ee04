// Package config resolves service configuration once at startup:
// compiled defaults, then an optional YAML file, then environment variables,
// later sources winning.
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

// Config is the fully resolved service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Feeds    FeedsConfig    `yaml:"feeds"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Limits   LimitsConfig   `yaml:"limits"`
	Audit    AuditConfig    `yaml:"audit"`
}

type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// RequestBudget bounds end-to-end request handling, fan-out included.
	RequestBudget time.Duration `yaml:"request_budget"`
	APIKeys       []string      `yaml:"api_keys"`
}

type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type CacheConfig struct {
	URL      string `yaml:"url"` // redis address, host:port
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// L1 entry cap; LRU eviction on overflow.
	LocalCapacity int `yaml:"local_capacity"`

	TTLBorrowRate      time.Duration `yaml:"ttl_borrow_rate"`
	TTLSecurity        time.Duration `yaml:"ttl_security"`
	TTLVolatility      time.Duration `yaml:"ttl_volatility"`
	TTLEventRisk       time.Duration `yaml:"ttl_event_risk"`
	TTLBrokerConfig    time.Duration `yaml:"ttl_broker_config"`
	TTLCalculation     time.Duration `yaml:"ttl_calculation"`
	TTLFallbackMinRate time.Duration `yaml:"ttl_fallback_min_rate"`
}

// FeedConfig configures one upstream HTTP feed.
type FeedConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	// Backoff between retry attempts, jittered.
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`

	// Breaker: trips at FailureThreshold failures out of the last
	// WindowSize calls, stays open for Cooldown, closes after
	// ProbeSuccesses half-open successes.
	FailureThreshold uint32        `yaml:"failure_threshold"`
	WindowSize       uint32        `yaml:"window_size"`
	Cooldown         time.Duration `yaml:"cooldown"`
	ProbeSuccesses   uint32        `yaml:"probe_successes"`
}

type FeedsConfig struct {
	SecLend    FeedConfig `yaml:"seclend"`
	Volatility FeedConfig `yaml:"volatility"`
	Events     FeedConfig `yaml:"events"`

	// EventHorizon bounds which upcoming events contribute risk.
	EventHorizon time.Duration `yaml:"event_horizon"`
	// EventTypeWeights maps event type to a 0..10 severity; the risk
	// factor is the max weight over events inside the horizon.
	EventTypeWeights map[string]int `yaml:"event_type_weights"`
}

// PricingConfig holds the formula constants. The decimal fields are
// deliberately env-only (yaml has no decimal scalar); operators set them
// through DEFAULT_* variables.
type PricingConfig struct {
	GlobalMinRate     decimal.Decimal `yaml:"-"`
	VolFactor         decimal.Decimal `yaml:"-"`
	EventFactor       decimal.Decimal `yaml:"-"`
	DaysInYear        int             `yaml:"days_in_year"`
	DefaultMarkupPct  decimal.Decimal `yaml:"-"`
	DefaultTxnFeeFlat decimal.Decimal `yaml:"-"`
	DefaultVolatility decimal.Decimal `yaml:"-"`
}

type LimitsConfig struct {
	StandardPerMinute int `yaml:"standard_per_minute"`
	PremiumPerMinute  int `yaml:"premium_per_minute"`
	InternalPerMinute int `yaml:"internal_per_minute"`
	Burst             int `yaml:"burst"`
}

type AuditConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   60 * time.Second,
			RequestBudget: 5 * time.Second,
		},
		Database: DatabaseConfig{
			URL:          "postgres://localhost:5432/borrowdesk?sslmode=disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			QueryTimeout: 2 * time.Second,
		},
		Cache: CacheConfig{
			URL:                "localhost:6379",
			LocalCapacity:      10000,
			TTLBorrowRate:      300 * time.Second,
			TTLSecurity:        1800 * time.Second,
			TTLVolatility:      900 * time.Second,
			TTLEventRisk:       3600 * time.Second,
			TTLBrokerConfig:    1800 * time.Second,
			TTLCalculation:     60 * time.Second,
			TTLFallbackMinRate: 86400 * time.Second,
		},
		Feeds: FeedsConfig{
			SecLend:      defaultFeed(),
			Volatility:   defaultFeed(),
			Events:       defaultFeed(),
			EventHorizon: 7 * 24 * time.Hour,
			EventTypeWeights: map[string]int{
				"earnings":   8,
				"regulatory": 6,
				"split":      4,
				"dividend":   3,
				"other":      2,
			},
		},
		Pricing: PricingConfig{
			GlobalMinRate:     decimal.RequireFromString("0.0001"),
			VolFactor:         decimal.RequireFromString("0.01"),
			EventFactor:       decimal.RequireFromString("0.05"),
			DaysInYear:        365,
			DefaultMarkupPct:  decimal.RequireFromString("5.0"),
			DefaultTxnFeeFlat: decimal.RequireFromString("25.0"),
			DefaultVolatility: decimal.RequireFromString("20.0"),
		},
		Limits: LimitsConfig{
			StandardPerMinute: 60,
			PremiumPerMinute:  300,
			InternalPerMinute: 1000,
			Burst:             100,
		},
		Audit: AuditConfig{
			QueueSize:    1024,
			FlushTimeout: 3 * time.Second,
		},
	}
}

func defaultFeed() FeedConfig {
	return FeedConfig{
		Timeout:          5 * time.Second,
		MaxRetries:       3,
		BackoffBase:      500 * time.Millisecond,
		BackoffFactor:    2.0,
		BackoffCap:       5 * time.Second,
		FailureThreshold: 5,
		WindowSize:       10,
		Cooldown:         60 * time.Second,
		ProbeSuccesses:   3,
	}
}

// Load resolves the configuration. path may be empty; a missing file at an
// explicit path is an error, env vars always apply last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString(&c.Database.URL, "DATABASE_URL")
	envString(&c.Cache.URL, "CACHE_URL")
	envString(&c.Cache.Password, "CACHE_PASSWORD")

	envString(&c.Feeds.SecLend.BaseURL, "SECLEND_API_BASE_URL")
	envString(&c.Feeds.SecLend.APIKey, "SECLEND_API_KEY")
	envString(&c.Feeds.Volatility.BaseURL, "VOLATILITY_API_BASE_URL")
	envString(&c.Feeds.Volatility.APIKey, "VOLATILITY_API_KEY")
	envString(&c.Feeds.Events.BaseURL, "EVENT_API_BASE_URL")
	envString(&c.Feeds.Events.APIKey, "EVENT_API_KEY")

	if err := envSeconds(&c.Feeds.SecLend.Timeout, "SECLEND_API_TIMEOUT"); err != nil {
		return err
	}
	if err := envSeconds(&c.Feeds.Volatility.Timeout, "VOLATILITY_API_TIMEOUT"); err != nil {
		return err
	}
	if err := envSeconds(&c.Feeds.Events.Timeout, "EVENT_API_TIMEOUT"); err != nil {
		return err
	}
	if err := envInt(&c.Feeds.SecLend.MaxRetries, "SECLEND_API_MAX_RETRIES"); err != nil {
		return err
	}
	if err := envInt(&c.Feeds.Volatility.MaxRetries, "VOLATILITY_API_MAX_RETRIES"); err != nil {
		return err
	}
	if err := envInt(&c.Feeds.Events.MaxRetries, "EVENT_API_MAX_RETRIES"); err != nil {
		return err
	}

	if err := envSeconds(&c.Cache.TTLBorrowRate, "CACHE_TTL_BORROW_RATE"); err != nil {
		return err
	}
	if err := envSeconds(&c.Cache.TTLSecurity, "CACHE_TTL_SECURITY"); err != nil {
		return err
	}
	if err := envSeconds(&c.Cache.TTLVolatility, "CACHE_TTL_VOLATILITY"); err != nil {
		return err
	}
	if err := envSeconds(&c.Cache.TTLEventRisk, "CACHE_TTL_EVENT_RISK"); err != nil {
		return err
	}
	if err := envSeconds(&c.Cache.TTLBrokerConfig, "CACHE_TTL_BROKER_CONFIG"); err != nil {
		return err
	}
	if err := envSeconds(&c.Cache.TTLCalculation, "CACHE_TTL_CALCULATION"); err != nil {
		return err
	}
	if err := envSeconds(&c.Cache.TTLFallbackMinRate, "CACHE_TTL_FALLBACK_MIN_RATE"); err != nil {
		return err
	}

	if err := envDecimal(&c.Pricing.GlobalMinRate, "DEFAULT_MINIMUM_BORROW_RATE"); err != nil {
		return err
	}
	if err := envDecimal(&c.Pricing.VolFactor, "DEFAULT_VOLATILITY_FACTOR"); err != nil {
		return err
	}
	if err := envDecimal(&c.Pricing.EventFactor, "DEFAULT_EVENT_RISK_FACTOR"); err != nil {
		return err
	}
	if err := envDecimal(&c.Pricing.DefaultMarkupPct, "DEFAULT_MARKUP_PERCENTAGE"); err != nil {
		return err
	}
	if err := envDecimal(&c.Pricing.DefaultTxnFeeFlat, "DEFAULT_TRANSACTION_FEE_FLAT"); err != nil {
		return err
	}
	if err := envInt(&c.Pricing.DaysInYear, "DAYS_IN_YEAR"); err != nil {
		return err
	}
	if err := envInt(&c.Limits.StandardPerMinute, "DEFAULT_RATE_LIMIT"); err != nil {
		return err
	}
	if err := envInt(&c.HTTP.Port, "HTTP_PORT"); err != nil {
		return err
	}
	if key := os.Getenv("API_KEYS"); key != "" {
		c.HTTP.APIKeys = splitCSV(key)
	}
	return nil
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// envSeconds reads a whole-second count, matching the deployment convention
// for CACHE_TTL_* variables.
func envSeconds(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envDecimal(dst *decimal.Decimal, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TTLFor returns the configured TTL for a cache category; unknown
// categories get no caching.
func (c CacheConfig) TTLFor(category string) time.Duration {
	switch category {
	case "rate":
		return c.TTLBorrowRate
	case "sec":
		return c.TTLSecurity
	case "vol":
		return c.TTLVolatility
	case "event":
		return c.TTLEventRisk
	case "broker":
		return c.TTLBrokerConfig
	case "calc":
		return c.TTLCalculation
	case "minrate":
		return c.TTLFallbackMinRate
	}
	return 0
}
