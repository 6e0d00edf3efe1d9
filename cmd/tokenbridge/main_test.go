package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/internal/config"
	"git.sr.ht/~jakintosh/tokenbridge/internal/testutil"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/authtest"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/client"
)

func setupApp(t *testing.T) (*app, *testutil.TestEnv, *bytes.Buffer) {
	t.Helper()
	env := testutil.SetupTestEnv(t)
	cfg := config.Config{
		BackendURL:      env.BackendServer.URL,
		ExchangePath:    "/auth/exchange",
		RefreshPath:     "/auth/refresh",
		CurrentUserPath: "/auth/me",
		ProviderURL:     env.ProviderServer.URL,
		ExchangeTimeout: 2 * time.Second,
		RefreshPolicy:   string(client.RefreshIndependent),
		Store:           config.StoreMemory,
		LogLevel:        "info",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	out := &bytes.Buffer{}
	a, err := newApp(cfg, slog.New(slog.DiscardHandler), out)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	t.Cleanup(func() { a.store.Close() })
	return a, env, out
}

func signIn(t *testing.T, a *app) {
	t.Helper()
	if err := a.run(t.Context(), "signin", []string{
		"--email", testutil.TestEmail,
		"--password", testutil.TestPassword,
	}); err != nil {
		t.Fatalf("signin failed: %v", err)
	}
}

func TestSignInCommand(t *testing.T) {
	a, _, out := setupApp(t)

	signIn(t, a)

	var snap client.Snapshot
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode output: %v\n%s", err, out.String())
	}
	if snap.State != client.StateAuthenticated {
		t.Errorf("expected authenticated, got %s", snap.State)
	}
	if snap.User == nil || snap.User.Email != testutil.TestEmail {
		t.Errorf("unexpected user %+v", snap.User)
	}
}

func TestSignInCommand_WrongPassword(t *testing.T) {
	a, _, _ := setupApp(t)

	err := a.run(t.Context(), "signin", []string{
		"--email", testutil.TestEmail,
		"--password", "wrong",
	})
	if client.KindOf(err) != client.KindProviderAuth {
		t.Fatalf("expected provider auth error, got %v", err)
	}
	if !strings.HasPrefix(describe(err), "provider_auth") {
		t.Errorf("describe = %q", describe(err))
	}
}

func TestGetCommand(t *testing.T) {
	a, _, out := setupApp(t)
	signIn(t, a)
	out.Reset()

	if err := a.run(t.Context(), "get", []string{"api/data"}); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !strings.Contains(out.String(), `"ok":true`) {
		t.Errorf("unexpected body %s", out.String())
	}
}

func TestSignOutCommand(t *testing.T) {
	a, _, out := setupApp(t)
	signIn(t, a)
	out.Reset()

	if err := a.run(t.Context(), "signout", nil); err != nil {
		t.Fatalf("signout failed: %v", err)
	}
	var snap client.Snapshot
	if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if snap.State != client.StateUnauthenticated {
		t.Errorf("expected unauthenticated, got %s", snap.State)
	}
}

func TestUnknownCommand(t *testing.T) {
	a, _, _ := setupApp(t)

	if err := a.run(t.Context(), "launch", nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func startProxy(t *testing.T, a *app) *httptest.Server {
	t.Helper()
	handler, err := newProxyHandler(a.client, a.cfg.BackendURL, a.registry, a.logger)
	if err != nil {
		t.Fatalf("newProxyHandler failed: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestProxy_ReplaysBodyAfterRefresh(t *testing.T) {
	a, env, _ := setupApp(t)
	signIn(t, a)
	proxy := startProxy(t, a)
	env.Backend.RevokeAccessTokens()

	res, err := http.Post(proxy.URL+authtest.PathEcho, "application/json", strings.NewReader(`{"note":"hello"}`))
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `"note":"hello"`) {
		t.Errorf("expected echoed body, got %s", body)
	}
	if env.Backend.Calls(authtest.EndpointRefresh) != 1 {
		t.Errorf("expected one refresh, got %d", env.Backend.Calls(authtest.EndpointRefresh))
	}
}

func TestProxy_SessionLost(t *testing.T) {
	a, env, _ := setupApp(t)
	signIn(t, a)
	proxy := startProxy(t, a)
	env.Backend.RevokeAccessTokens()
	env.Backend.SetRejectRefresh(true)

	res, err := http.Get(proxy.URL + authtest.PathData)
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if payload["error"] != string(client.KindSessionLost) {
		t.Errorf("expected session_lost, got %q", payload["error"])
	}
}

func TestProxy_BackendDown(t *testing.T) {
	a, env, _ := setupApp(t)
	signIn(t, a)
	proxy := startProxy(t, a)
	env.Backend.SetDown(true)

	res, err := http.Get(proxy.URL + authtest.PathData)
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.StatusCode)
	}
}

func TestProxy_SessionEndpoint(t *testing.T) {
	a, _, _ := setupApp(t)
	signIn(t, a)
	proxy := startProxy(t, a)

	res, err := http.Get(proxy.URL + PathSession)
	if err != nil {
		t.Fatalf("session request failed: %v", err)
	}
	defer res.Body.Close()

	var snap client.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.State != client.StateAuthenticated {
		t.Errorf("expected authenticated, got %s", snap.State)
	}
}

func TestProxy_ServesMetrics(t *testing.T) {
	a, _, _ := setupApp(t)
	signIn(t, a)
	proxy := startProxy(t, a)

	res, err := http.Get(proxy.URL + authtest.PathData)
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	res.Body.Close()

	res, err = http.Get(proxy.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `tokenbridge_requests_total{status="200"}`) {
		t.Errorf("expected request counter, got:\n%s", body)
	}
	if !strings.Contains(string(body), `tokenbridge_exchange_total{outcome="success"} 1`) {
		t.Errorf("expected exchange counter, got:\n%s", body)
	}
}

func TestProxyStatus(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"session lost": {&client.Error{Kind: client.KindSessionLost}, http.StatusUnauthorized},
		"timeout":      {&client.Error{Kind: client.KindBackendUnavailable, Message: client.MessageTimeout}, http.StatusGatewayTimeout},
		"unreachable":  {&client.Error{Kind: client.KindBackendUnavailable, Message: client.MessageUnreachable}, http.StatusBadGateway},
		"other":        {io.ErrUnexpectedEOF, http.StatusBadGateway},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := proxyStatus(tc.err); got != tc.want {
				t.Errorf("proxyStatus = %d, want %d", got, tc.want)
			}
		})
	}
}
