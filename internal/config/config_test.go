package config

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/client"
)

func setRequired(t *testing.T) {
	t.Setenv("TOKENBRIDGE_BACKEND_URL", "http://localhost:8000")
	t.Setenv("TOKENBRIDGE_PROVIDER_URL", "http://localhost:9999/auth/v1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ExchangeTimeout != 8*time.Second {
		t.Errorf("ExchangeTimeout = %v, want 8s", cfg.ExchangeTimeout)
	}
	if cfg.Store != StoreSQLite {
		t.Errorf("Store = %q, want sqlite", cfg.Store)
	}
	if policy, _ := cfg.Policy(); policy != client.RefreshIndependent {
		t.Errorf("Policy = %q", policy)
	}
	if level, _ := cfg.Level(); level != slog.LevelInfo {
		t.Errorf("Level = %v", level)
	}
	endpoints := cfg.Endpoints()
	if endpoints.Exchange != "/auth/exchange" || endpoints.Refresh != "/auth/refresh" || endpoints.CurrentUser != "/auth/me" {
		t.Errorf("Endpoints = %+v", endpoints)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TOKENBRIDGE_EXCHANGE_TIMEOUT", "250ms")
	t.Setenv("TOKENBRIDGE_REFRESH_POLICY", "coalesced")
	t.Setenv("TOKENBRIDGE_STORE", "redis")
	t.Setenv("TOKENBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("TOKENBRIDGE_REFRESH_PATH", "/api/token/refresh/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ExchangeTimeout != 250*time.Millisecond {
		t.Errorf("ExchangeTimeout = %v", cfg.ExchangeTimeout)
	}
	if policy, _ := cfg.Policy(); policy != client.RefreshCoalesced {
		t.Errorf("Policy = %q", policy)
	}
	if level, _ := cfg.Level(); level != slog.LevelDebug {
		t.Errorf("Level = %v", level)
	}
	if cfg.Endpoints().Refresh != "/api/token/refresh/" {
		t.Errorf("Refresh = %q", cfg.Endpoints().Refresh)
	}
}

func TestLoadMissingBackend(t *testing.T) {
	t.Setenv("TOKENBRIDGE_BACKEND_URL", "")
	t.Setenv("TOKENBRIDGE_PROVIDER_URL", "http://localhost:9999")

	if _, err := Load(); !errors.Is(err, ErrMissingBackendURL) {
		t.Errorf("expected ErrMissingBackendURL, got %v", err)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key   string
		value string
		want  error
	}{
		"store":  {"TOKENBRIDGE_STORE", "postgres", ErrUnknownStore},
		"policy": {"TOKENBRIDGE_REFRESH_POLICY", "eager", ErrUnknownPolicy},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadParseError(t *testing.T) {
	setRequired(t)
	t.Setenv("TOKENBRIDGE_EXCHANGE_TIMEOUT", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}
