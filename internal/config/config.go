// Package config loads the engine's tunables from a config.yaml (risk
// limits, breaker thresholds, reconnect backoff) and its secrets from the
// environment (optionally seeded from a local .env in development).
package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"
)

// RiskDefaults are the session-level risk-limit defaults applied when a new
// TradingSession is created for the day.
type RiskDefaults struct {
	MaxDailyLoss      float64 `yaml:"max_daily_loss"`
	MaxPositionSize   int64   `yaml:"max_position_size"`
	MaxOpenOrders     int     `yaml:"max_open_orders"`
	MaxMarginUsagePct float64 `yaml:"max_margin_usage_pct"`
	MaxLotSize        int64   `yaml:"max_lot_size"`
	MarginFactor      float64 `yaml:"margin_factor"`
}

// BreakerDefaults is the per-service circuit breaker configuration.
type BreakerDefaults struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	SuccessThreshold int `yaml:"success_threshold"`
}

// Config is the full set of tunables loaded from config.yaml.
type Config struct {
	Risk     RiskDefaults               `yaml:"risk"`
	Breakers map[string]BreakerDefaults `yaml:"breakers"`

	ReconnectDelaysSeconds []int `yaml:"reconnect_delays_seconds"`

	ControlPollIntervalMS    int `yaml:"control_poll_interval_ms"`
	IntentAckTimeoutMS       int `yaml:"intent_ack_timeout_ms"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	MaxReconcileFailures     int `yaml:"max_reconcile_failures"`
	TickBufferSize           int `yaml:"tick_buffer_size"`

	StoreDSN       string `yaml:"-"` // env-only: DATABASE_URL
	CacheURL       string `yaml:"-"` // env-only: CACHE_URL, optional
	TokenCachePath string `yaml:"-"` // env-only: TOKEN_CACHE_PATH

	BrokerAppID        string `yaml:"-"`
	BrokerSecretID     string `yaml:"-"`
	BrokerAccessToken  string `yaml:"-"`
	BrokerRefreshToken string `yaml:"-"`
	BrokerPIN          string `yaml:"-"`
	BrokerTOTPSecret   string `yaml:"-"`
}

// Defaults returns the built-in tunables, used when config.yaml omits a field.
func Defaults() Config {
	return Config{
		Risk: RiskDefaults{
			MaxDailyLoss:      10000,
			MaxPositionSize:   1000,
			MaxOpenOrders:     20,
			MaxMarginUsagePct: 80,
			MaxLotSize:        50,
			MarginFactor:      0.15,
		},
		Breakers: map[string]BreakerDefaults{
			"broker_orders": {FailureThreshold: 3, CooldownSeconds: 30, SuccessThreshold: 2},
			"broker_quotes": {FailureThreshold: 5, CooldownSeconds: 60, SuccessThreshold: 3},
			"broker_funds":  {FailureThreshold: 5, CooldownSeconds: 60, SuccessThreshold: 2},
			"broker_ws":     {FailureThreshold: 3, CooldownSeconds: 120, SuccessThreshold: 1},
		},
		ReconnectDelaysSeconds:   []int{1, 2, 4, 8, 16, 30},
		ControlPollIntervalMS:    200,
		IntentAckTimeoutMS:       10000,
		ReconcileIntervalSeconds: 15,
		MaxReconcileFailures:     3,
		TickBufferSize:           500,
	}
}

// Load reads .env (if present, development convenience only), then
// config.yaml (if present, overlaying Defaults()), then env secrets.
func Load(yamlPath string) (Config, error) {
	_ = godotenv.Load() // best-effort; production deploys set real env vars

	cfg := Defaults()
	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config yaml: %w", err)
		}
	}

	cfg.StoreDSN = envOr("DATABASE_URL", "tradedeck.db")
	cfg.CacheURL = os.Getenv("CACHE_URL")
	cfg.TokenCachePath = envOr("TOKEN_CACHE_PATH", "tradedeck-token.cache")
	cfg.BrokerAppID = os.Getenv("BROKER_APP_ID")
	cfg.BrokerSecretID = os.Getenv("BROKER_SECRET_ID")
	cfg.BrokerAccessToken = os.Getenv("BROKER_ACCESS_TOKEN")
	cfg.BrokerRefreshToken = os.Getenv("BROKER_REFRESH_TOKEN")
	cfg.BrokerPIN = os.Getenv("BROKER_PIN")
	cfg.BrokerTOTPSecret = os.Getenv("BROKER_TOTP_SECRET")

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DeriveStorageKey derives the symmetric key sealing the access-token
// cache file (broker.TokenCache), from a process-level secret (the app
// secret) plus a fixed info string. This is deliberately not a substitute
// for a real secrets manager; it keeps a restart from leaving the token
// sitting in plaintext next to the binary.
func DeriveStorageKey(secret string, length int) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte("tradedeck-engine-refresh-token-cache"))
	key := make([]byte, length)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive storage key: %w", err)
	}
	return key, nil
}
