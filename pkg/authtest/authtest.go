// Package authtest provides in-process fakes of both identity systems the
// session subsystem talks to: an application backend that exchanges provider
// tokens for its own token pair, and a GoTrue-compatible identity provider.
//
// Both fakes expose knobs for the failure modes clients must survive: slow
// or unreachable backends, rejected refresh tokens, revoked access tokens
// and accounts awaiting email confirmation.
package authtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/tokens"
)

// NewIssuer generates a fresh ECDSA P-256 key and returns an issuer for it.
func NewIssuer(issuerDomain string) (*tokens.Issuer, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return tokens.NewIssuer(privateKey, issuerDomain), nil
}

// StartBackend serves a new Backend until the test ends.
func StartBackend(
	tb testing.TB,
	verifier ProviderVerifier,
	opts ...BackendOption,
) (
	*Backend,
	*httptest.Server,
) {
	tb.Helper()
	backend, err := NewBackend(verifier, opts...)
	if err != nil {
		tb.Fatalf("failed to create backend: %v", err)
	}
	server := httptest.NewServer(backend.Router())
	tb.Cleanup(server.Close)
	return backend, server
}

// StartProvider serves a new Provider until the test ends.
func StartProvider(
	tb testing.TB,
	opts ...ProviderOption,
) (
	*Provider,
	*httptest.Server,
) {
	tb.Helper()
	provider, err := NewProvider(opts...)
	if err != nil {
		tb.Fatalf("failed to create provider: %v", err)
	}
	server := httptest.NewServer(provider.Router())
	tb.Cleanup(server.Close)
	return provider, server
}

func decodeRequest[T any](req *T, w http.ResponseWriter, r *http.Request) bool {
	err := json.NewDecoder(r.Body).Decode(req)
	if err != nil {
		logApiErr(r, "bad json request")
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func returnJson(data any, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
}

func returnJsonStatus(status int, data any, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func logApiErr(r *http.Request, msg string) {
	slog.Warn("fake api request rejected",
		slog.String("method", r.Method),
		slog.String("uri", r.RequestURI),
		slog.String("reason", msg),
	)
}
