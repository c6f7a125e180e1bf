package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAPIKey, EnvAPISecret, EnvStoreDSN, EnvRedisAddr} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeTempConfig(t, "instance_id: Desk-1\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "desk-1" {
		t.Fatalf("instance_id = %q, want desk-1", cfg.InstanceID)
	}
	if cfg.Exchange.RestBaseURL != "https://api.kraken.com" {
		t.Fatalf("exchange.rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.HTTPTimeout() != 15*time.Second || cfg.Exchange.MaxRetries != 3 {
		t.Fatalf("exchange = %+v", cfg.Exchange)
	}
	if cfg.History.MaxStalls != 20 {
		t.Fatalf("history.max_stalls = %d, want 20", cfg.History.MaxStalls)
	}
	if cfg.Store.Backend != StoreFile || cfg.Store.Dir != "state" {
		t.Fatalf("store = %+v, want file backend in state", cfg.Store)
	}
	if cfg.Store.AutoMigrate == nil || !*cfg.Store.AutoMigrate {
		t.Fatalf("store.auto_migrate = %v, want true", cfg.Store.AutoMigrate)
	}
	if cfg.Cache.TickerTTL() != 10*time.Minute {
		t.Fatalf("cache.ticker_ttl = %v, want 10m", cfg.Cache.TickerTTL())
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover || cfg.State.LockStaleAfter() != 10*time.Minute {
		t.Fatalf("state = %+v", cfg.State)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Fatalf("observability.log_level = %q, want info", cfg.Observability.LogLevel)
	}
	if !cfg.History.Start().IsZero() {
		t.Fatalf("history start = %v, want zero", cfg.History.Start())
	}
}

func TestLoadEmptyDocument(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeTempConfig(t, "")); err != nil {
		t.Fatalf("Load(empty) error = %v", err)
	}
}

func TestLoadReadsPacing(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeTempConfig(t, `
history:
  trades:
    initial_sec: "2.5"
    rate_limit_growth: 1.5
    decay: "0.9"
  start_unix: 1690000000
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.History.Trades.InitialSec.Seconds(); got != 2500*time.Millisecond {
		t.Fatalf("trades.initial_sec = %v, want 2.5s", got)
	}
	if got := cfg.History.Trades.RateLimitGrowth.Float(); got != 1.5 {
		t.Fatalf("trades.rate_limit_growth = %v, want 1.5", got)
	}
	if !cfg.History.Ledgers.InitialSec.IsZero() {
		t.Fatalf("ledgers.initial_sec = %v, want unset", cfg.History.Ledgers.InitialSec)
	}
	if !cfg.History.Start().Equal(time.Unix(1690000000, 0)) {
		t.Fatalf("history start = %v", cfg.History.Start())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "exchange:\n  ws_base_url: wss://x\n", "ws_base_url"},
		{"half credentials", "exchange:\n  api_key: k\n", "api_key and api_secret"},
		{"bad backend", "store:\n  backend: pebble\n", "store.backend"},
		{"postgres without dsn", "store:\n  backend: postgres\n", "store.dsn"},
		{"decay above one", "history:\n  ledgers:\n    decay: \"1.2\"\n", "history.ledgers.decay"},
		{"growth below one", "history:\n  trades:\n    failure_growth: \"0.5\"\n", "history.trades.failure_growth"},
		{"bad decimal", "exchange:\n  rate_limit: fast\n", "invalid decimal"},
		{"telegram without token", "observability:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n", "bot_token"},
		{"bad otlp url", "observability:\n  otlp_endpoint: localhost\n", "otlp_endpoint"},
		{"bad instance", "instance_id: \"has space\"\n", "instance_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeTempConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeTempConfig(t, "instance_id: a\n---\ninstance_id: b\n"))
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadOverlaysEnvironment(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	env := "KRAKEN_API_KEY=file-key\nKRAKEN_API_SECRET=file-secret\nKRAKEN_STORE_DSN=postgres://file/db\n"
	if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(EnvAPISecret, "process-secret")
	t.Setenv(EnvRedisAddr, "redis:6379")

	cfg, err := Load(writeTempConfig(t, `
exchange:
  api_key: yaml-key
  api_secret: yaml-secret
store:
  backend: postgres
`), envPath, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "file-key" {
		t.Fatalf("api_key = %q, want file-key", cfg.Exchange.APIKey)
	}
	if cfg.Exchange.APISecret != "process-secret" {
		t.Fatalf("api_secret = %q, want process-secret", cfg.Exchange.APISecret)
	}
	if cfg.Store.DSN != "postgres://file/db" || cfg.Cache.RedisAddr != "redis:6379" {
		t.Fatalf("dsn = %q redis = %q", cfg.Store.DSN, cfg.Cache.RedisAddr)
	}
}

func TestDecimalSeconds(t *testing.T) {
	cfg, err := Parse([]byte("history:\n  trades:\n    floor_sec: 0.25\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := cfg.History.Trades.FloorSec.Seconds(); got != 250*time.Millisecond {
		t.Fatalf("Seconds() = %v, want 250ms", got)
	}
}
