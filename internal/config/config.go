package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreFile     StoreBackend = "file"
	StorePostgres StoreBackend = "postgres"
)

// Environment variables that override file values.
const (
	EnvAPIKey    = "KRAKEN_API_KEY"
	EnvAPISecret = "KRAKEN_API_SECRET"
	EnvStoreDSN  = "KRAKEN_STORE_DSN"
	EnvRedisAddr = "KRAKEN_REDIS_ADDR"
)

type Config struct {
	InstanceID    string              `yaml:"instance_id"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	History       HistoryConfig       `yaml:"history"`
	Store         StoreConfig         `yaml:"store"`
	Cache         CacheConfig         `yaml:"cache"`
	State         StateConfig         `yaml:"state"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	RestBaseURL    string `yaml:"rest_base_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	MaxRetries     int    `yaml:"max_retries"`
	// RateLimit is private calls per second; zero disables client-side pacing.
	RateLimit Decimal `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type HistoryConfig struct {
	Trades    PacingConfig `yaml:"trades"`
	Ledgers   PacingConfig `yaml:"ledgers"`
	MaxStalls int          `yaml:"max_stalls"`
	// StartUnix bounds every sync to records at or after this time.
	StartUnix int64 `yaml:"start_unix"`
}

// PacingConfig leaves unset fields to the endpoint family defaults.
type PacingConfig struct {
	InitialSec            Decimal `yaml:"initial_sec"`
	FloorSec              Decimal `yaml:"floor_sec"`
	StaleNonceCooldownSec int64   `yaml:"stale_nonce_cooldown_sec"`
	RateLimitGrowth       Decimal `yaml:"rate_limit_growth"`
	FailureGrowth         Decimal `yaml:"failure_growth"`
	Decay                 Decimal `yaml:"decay"`
}

type StoreConfig struct {
	Backend     StoreBackend `yaml:"backend"`
	Dir         string       `yaml:"dir"`
	DSN         string       `yaml:"dsn"`
	AutoMigrate *bool        `yaml:"auto_migrate"`
}

type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TickerTTLSec  int64  `yaml:"ticker_ttl_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type ObservabilityConfig struct {
	LogLevel           string         `yaml:"log_level"`
	OTLPEndpoint       string         `yaml:"otlp_endpoint"`
	MetricsIntervalSec int64          `yaml:"metrics_interval_sec"`
	AlertDropReportSec int64          `yaml:"alert_drop_report_sec"`
	Telegram           TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// Load reads a single-document YAML file, overlays credentials from the
// environment and from envFiles, then applies defaults and validates.
// Process environment wins over envFiles, which win over the YAML.
func Load(path string, envFiles ...string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return Config{}, err
	}
	cfg.overlayEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
	return cfg.finish()
}

// Parse decodes YAML without any environment overlay.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	return cfg, nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	var existing []string
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		existing = append(existing, f)
	}
	if len(existing) == 0 {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(existing...)
	if err != nil {
		return nil, fmt.Errorf("read env files: %w", err)
	}
	return env, nil
}

func (c *Config) overlayEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&c.Exchange.APIKey, EnvAPIKey)
	set(&c.Exchange.APISecret, EnvAPISecret)
	set(&c.Store.DSN, EnvStoreDSN)
	set(&c.Cache.RedisAddr, EnvRedisAddr)
}

func (c Config) finish() (Config, error) {
	c.normalize()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Store.Backend = StoreBackend(strings.ToLower(strings.TrimSpace(string(c.Store.Backend))))
	c.Store.Dir = strings.TrimSpace(c.Store.Dir)
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	c.Cache.RedisAddr = strings.TrimSpace(c.Cache.RedisAddr)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.OTLPEndpoint = strings.TrimSpace(c.Observability.OTLPEndpoint)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.kraken.com"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 3
	}
	if c.Exchange.RateBurst == 0 {
		c.Exchange.RateBurst = 1
	}
	if c.History.MaxStalls == 0 {
		c.History.MaxStalls = 20
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreFile
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = c.State.Dir
	}
	if c.Store.AutoMigrate == nil {
		enabled := true
		c.Store.AutoMigrate = &enabled
	}
	if c.Cache.TickerTTLSec == 0 {
		c.Cache.TickerTTLSec = 600
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsIntervalSec == 0 {
		c.Observability.MetricsIntervalSec = 15
	}
	if c.Observability.AlertDropReportSec == 0 {
		c.Observability.AlertDropReportSec = 60
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if (c.Exchange.APIKey == "") != (c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange api_key and api_secret must be set together")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.MaxRetries < 0 || c.Exchange.MaxRetries > 10 {
		return fmt.Errorf("exchange max_retries must be between 0 and 10")
	}
	if c.Exchange.RateLimit.IsNegative() {
		return fmt.Errorf("exchange rate_limit must be >= 0")
	}
	if c.Exchange.RateBurst < 1 {
		return fmt.Errorf("exchange rate_burst must be >= 1")
	}
	if err := c.History.Trades.validate("history.trades"); err != nil {
		return err
	}
	if err := c.History.Ledgers.validate("history.ledgers"); err != nil {
		return err
	}
	if c.History.MaxStalls < 1 {
		return fmt.Errorf("history.max_stalls must be >= 1")
	}
	if c.History.StartUnix < 0 {
		return fmt.Errorf("history.start_unix must be >= 0")
	}
	switch c.Store.Backend {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, file, or postgres")
	}
	if c.Cache.TickerTTLSec < 1 || c.Cache.TickerTTLSec > 86400 {
		return fmt.Errorf("cache.ticker_ttl_sec must be between 1 and 86400")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Observability.OTLPEndpoint != "" {
		if err := validateURL(c.Observability.OTLPEndpoint, "http", "https"); err != nil {
			return fmt.Errorf("observability.otlp_endpoint %v", err)
		}
	}
	if c.Observability.MetricsIntervalSec < 1 || c.Observability.MetricsIntervalSec > 3600 {
		return fmt.Errorf("observability.metrics_interval_sec must be between 1 and 3600")
	}
	if c.Observability.AlertDropReportSec < 0 || c.Observability.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func (p PacingConfig) validate(section string) error {
	if p.InitialSec.IsNegative() || p.FloorSec.IsNegative() || p.StaleNonceCooldownSec < 0 {
		return fmt.Errorf("%s delays must be >= 0", section)
	}
	if !p.RateLimitGrowth.IsZero() && p.RateLimitGrowth.LessThanOrEqual(one) {
		return fmt.Errorf("%s.rate_limit_growth must be > 1", section)
	}
	if !p.FailureGrowth.IsZero() && p.FailureGrowth.LessThanOrEqual(one) {
		return fmt.Errorf("%s.failure_growth must be > 1", section)
	}
	if !p.Decay.IsZero() && (p.Decay.IsNegative() || p.Decay.GreaterThanOrEqual(one)) {
		return fmt.Errorf("%s.decay must be between 0 and 1", section)
	}
	return nil
}

// Timeouts.

func (c ExchangeConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

func (c CacheConfig) TickerTTL() time.Duration {
	return time.Duration(c.TickerTTLSec) * time.Second
}

func (c StateConfig) LockStaleAfter() time.Duration {
	return time.Duration(c.LockStaleSec) * time.Second
}

// Start returns the configured history lower bound, or the zero time.
func (c HistoryConfig) Start() time.Time {
	if c.StartUnix == 0 {
		return time.Time{}
	}
	return time.Unix(c.StartUnix, 0).UTC()
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
