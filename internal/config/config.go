// Package config loads tokenbridge settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/client"
	"github.com/caarlos0/env/v11"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

var (
	ErrMissingBackendURL  = errors.New("TOKENBRIDGE_BACKEND_URL is required")
	ErrMissingProviderURL = errors.New("TOKENBRIDGE_PROVIDER_URL is required")
	ErrUnknownStore       = errors.New("unknown store kind")
	ErrUnknownPolicy      = errors.New("unknown refresh policy")
)

type Config struct {
	BackendURL      string `env:"TOKENBRIDGE_BACKEND_URL"`
	ExchangePath    string `env:"TOKENBRIDGE_EXCHANGE_PATH" envDefault:"/auth/exchange"`
	RefreshPath     string `env:"TOKENBRIDGE_REFRESH_PATH" envDefault:"/auth/refresh"`
	CurrentUserPath string `env:"TOKENBRIDGE_CURRENT_USER_PATH" envDefault:"/auth/me"`

	ProviderURL    string `env:"TOKENBRIDGE_PROVIDER_URL"`
	ProviderAPIKey string `env:"TOKENBRIDGE_PROVIDER_API_KEY"`

	ExchangeTimeout time.Duration `env:"TOKENBRIDGE_EXCHANGE_TIMEOUT" envDefault:"8s"`
	RefreshPolicy   string        `env:"TOKENBRIDGE_REFRESH_POLICY" envDefault:"independent"`

	Store          string `env:"TOKENBRIDGE_STORE" envDefault:"sqlite"`
	StorePath      string `env:"TOKENBRIDGE_STORE_PATH" envDefault:"tokenbridge.db"`
	RedisAddr      string `env:"TOKENBRIDGE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisNamespace string `env:"TOKENBRIDGE_REDIS_NAMESPACE" envDefault:"default"`

	LogLevel    string `env:"TOKENBRIDGE_LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"TOKENBRIDGE_METRICS_ADDR"`
	ProxyAddr   string `env:"TOKENBRIDGE_PROXY_ADDR" envDefault:"127.0.0.1:8787"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BackendURL == "" {
		return ErrMissingBackendURL
	}
	if _, err := url.ParseRequestURI(c.BackendURL); err != nil {
		return fmt.Errorf("invalid TOKENBRIDGE_BACKEND_URL: %w", err)
	}
	if c.ProviderURL == "" {
		return ErrMissingProviderURL
	}
	if _, err := url.ParseRequestURI(c.ProviderURL); err != nil {
		return fmt.Errorf("invalid TOKENBRIDGE_PROVIDER_URL: %w", err)
	}
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreFile, StoreRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Store)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.ExchangeTimeout <= 0 {
		return fmt.Errorf("TOKENBRIDGE_EXCHANGE_TIMEOUT must be positive, got %s", c.ExchangeTimeout)
	}
	return nil
}

func (c Config) Endpoints() backend.Endpoints {
	return backend.Endpoints{
		Exchange:    c.ExchangePath,
		Refresh:     c.RefreshPath,
		CurrentUser: c.CurrentUserPath,
	}
}

func (c Config) Policy() (client.RefreshPolicy, error) {
	switch policy := client.RefreshPolicy(c.RefreshPolicy); policy {
	case client.RefreshIndependent, client.RefreshCoalesced:
		return policy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, c.RefreshPolicy)
	}
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid TOKENBRIDGE_LOG_LEVEL: %w", err)
	}
	return level, nil
}
