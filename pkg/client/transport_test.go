package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/internal/testutil"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/authtest"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
)

func signedIn(t *testing.T, tc *testClient) {
	t.Helper()
	if _, err := tc.Exchanger().Exchange(context.Background(), tc.providerSession(t)); err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
}

func TestTransport_AttachesBearer(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	recorder := &recordingTransport{base: http.DefaultTransport}
	tc := newTestClient(t, env, func(cfg *Config) {
		cfg.HTTPClient = &http.Client{Transport: recorder}
	})
	signedIn(t, tc)

	res, err := tc.get(t, authtest.PathData)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	sent := recorder.Requests(authtest.PathData)
	if len(sent) != 1 {
		t.Fatalf("expected 1 request, got %d", len(sent))
	}
	want := "Bearer " + env.Value(t, credstore.AccessToken)
	if got := sent[0].Header.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q", got)
	}
	if sent[0].Header.Get(HeaderRequestID) == "" {
		t.Error("expected request id")
	}
}

func TestTransport_UnauthenticatedWithoutCredentials(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	recorder := &recordingTransport{base: http.DefaultTransport}
	tc := newTestClient(t, env, func(cfg *Config) {
		cfg.HTTPClient = &http.Client{Transport: recorder}
	})

	// nothing stored: plain request, original 401 surfaces
	res, err := tc.get(t, authtest.PathData)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", res.StatusCode)
	}
	if got := recorder.Requests(authtest.PathData)[0].Header.Get("Authorization"); got != "" {
		t.Errorf("unexpected Authorization %q", got)
	}
}

func TestTransport_RefreshAndReplay(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	recorder := &recordingTransport{base: http.DefaultTransport}
	tc := newTestClient(t, env, func(cfg *Config) {
		cfg.HTTPClient = &http.Client{Transport: recorder}
	})
	signedIn(t, tc)
	oldAccess := env.Value(t, credstore.AccessToken)
	env.Backend.RevokeAccessTokens()

	// body must survive the replay
	body := []byte(`{"message":"hello"}`)
	req, _ := http.NewRequest(http.MethodPost, env.BackendServer.URL+authtest.PathEcho, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res, err := tc.HTTPClient().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer res.Body.Close()

	// caller sees only the replay's 200
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var echoed map[string]string
	if err := json.NewDecoder(res.Body).Decode(&echoed); err != nil || echoed["message"] != "hello" {
		t.Errorf("echo = %v, err = %v", echoed, err)
	}

	// exactly one refresh and one replay
	if env.Backend.Calls(authtest.EndpointRefresh) != 1 {
		t.Errorf("refresh calls = %d, want 1", env.Backend.Calls(authtest.EndpointRefresh))
	}
	sent := recorder.Requests(authtest.PathEcho)
	if len(sent) != 2 {
		t.Fatalf("expected original and replay, got %d requests", len(sent))
	}
	if sent[0].Header.Get(HeaderRequestID) != sent[1].Header.Get(HeaderRequestID) {
		t.Error("replay should keep the request id")
	}
	newAccess := env.Value(t, credstore.AccessToken)
	if newAccess == oldAccess || !env.Backend.ValidAccess(newAccess) {
		t.Error("expected a new valid access token in the store")
	}
	if sent[1].Header.Get("Authorization") != "Bearer "+newAccess {
		t.Error("replay should carry the refreshed token")
	}
}

func TestTransport_RotatedRefreshTokenStored(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t, authtest.WithRefreshRotation())
	tc := newTestClient(t, env)
	signedIn(t, tc)
	oldRefresh := env.Value(t, credstore.RefreshToken)
	env.Backend.RevokeAccessTokens()

	res, err := tc.get(t, authtest.PathData)
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("request failed: %v", err)
	}
	if env.Value(t, credstore.RefreshToken) == oldRefresh {
		t.Error("expected rotated refresh token to be stored")
	}
}

func TestTransport_RefreshRejectedLosesSession(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	tc := newTestClient(t, env)
	signedIn(t, tc)
	env.Backend.RevokeAccessTokens()
	env.Backend.SetRejectRefresh(true)

	_, err := tc.get(t, authtest.PathData)
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
	if !errors.Is(err, ErrTokenExpired) {
		t.Error("session loss should wrap the expired token")
	}

	// both tokens gone, no user on refresh
	if env.Value(t, credstore.AccessToken) != "" || env.Value(t, credstore.RefreshToken) != "" {
		t.Error("expected both tokens cleared")
	}
	if user := tc.Session().RefreshUser(context.Background()); user != nil {
		t.Errorf("expected no user, got %+v", user)
	}
}

func TestTransport_NoRefreshTokenReturnsOriginal401(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	tc := newTestClient(t, env)
	put(t, env.Store, map[credstore.Key]string{credstore.AccessToken: "not-a-token"})

	res, err := tc.get(t, authtest.PathData)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", res.StatusCode)
	}
	if env.Backend.Calls(authtest.EndpointRefresh) != 0 {
		t.Error("no refresh without a refresh token")
	}
}

func TestTransport_UnreplayableBodyReturns401AfterRefresh(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	tc := newTestClient(t, env)
	signedIn(t, tc)
	oldAccess := env.Value(t, credstore.AccessToken)
	env.Backend.RevokeAccessTokens()

	// a plain io.Reader gives the request no GetBody
	body := io.MultiReader(bytes.NewReader([]byte(`{"n":1}`)))
	req, _ := http.NewRequest(http.MethodPost, env.BackendServer.URL+authtest.PathEcho, body)
	res, err := tc.HTTPClient().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", res.StatusCode)
	}
	if env.Value(t, credstore.AccessToken) == oldAccess {
		t.Error("refresh should still have stored a new access token")
	}
}

func TestTransport_LazyExchange(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	tc := newTestClient(t, env)
	session := tc.providerSession(t)
	put(t, env.Store, map[credstore.Key]string{credstore.PendingProviderToken: session.AccessToken})

	res, err := tc.get(t, authtest.PathData)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if env.Backend.Calls(authtest.EndpointExchange) != 1 {
		t.Errorf("exchange calls = %d, want 1", env.Backend.Calls(authtest.EndpointExchange))
	}
	if env.Value(t, credstore.PendingProviderToken) != "" {
		t.Error("pending token should be consumed")
	}
}

func TestTransport_LazyExchangeFailureSendsUnauthenticated(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	tc := newTestClient(t, env)
	put(t, env.Store, map[credstore.Key]string{credstore.PendingProviderToken: "not-a-provider-token"})

	res, err := tc.get(t, authtest.PathData)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", res.StatusCode)
	}

	// exactly one attempt, pending kept for the next request
	if env.Backend.Calls(authtest.EndpointExchange) != 1 {
		t.Errorf("exchange calls = %d, want 1", env.Backend.Calls(authtest.EndpointExchange))
	}
	if env.Value(t, credstore.PendingProviderToken) == "" {
		t.Error("pending token should survive a failed lazy exchange")
	}
}

func TestTransport_NetworkErrorIsBackendUnavailable(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	tc := newTestClient(t, env)
	signedIn(t, tc)
	env.Backend.SetDown(true)

	_, err := tc.get(t, authtest.PathData)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Message != MessageUnreachable {
		t.Errorf("expected stable message, got %v", err)
	}
	if env.Backend.Calls(authtest.EndpointRefresh) != 0 {
		t.Error("network errors must not trigger refresh")
	}
}

func concurrentGets(t *testing.T, tc *testClient, n int) []int {
	t.Helper()
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, tc.env.BackendServer.URL+authtest.PathData, nil)
			res, err := tc.HTTPClient().Do(req)
			if err != nil {
				t.Errorf("request %d failed: %v", i, err)
				return
			}
			res.Body.Close()
			statuses[i] = res.StatusCode
		}()
	}
	wg.Wait()
	return statuses
}

func TestTransport_ConcurrentRefreshIndependent(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	barrier := newBarrierTransport(http.DefaultTransport, 2)
	tc := newTestClient(t, env, func(cfg *Config) {
		cfg.HTTPClient = &http.Client{Transport: barrier}
	})
	signedIn(t, tc)
	env.Backend.RevokeAccessTokens()

	for i, status := range concurrentGets(t, tc, 2) {
		if status != http.StatusOK {
			t.Errorf("request %d status = %d", i, status)
		}
	}

	// both refreshed on their own, final token valid
	if env.Backend.Calls(authtest.EndpointRefresh) != 2 {
		t.Errorf("refresh calls = %d, want 2", env.Backend.Calls(authtest.EndpointRefresh))
	}
	if !env.Backend.ValidAccess(env.Value(t, credstore.AccessToken)) {
		t.Error("final access token should be valid")
	}
}

func TestTransport_ConcurrentRefreshCoalesced(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	barrier := newBarrierTransport(http.DefaultTransport, 2)
	tc := newTestClient(t, env, func(cfg *Config) {
		cfg.HTTPClient = &http.Client{Transport: barrier}
		cfg.RefreshPolicy = RefreshCoalesced
	})
	signedIn(t, tc)
	env.Backend.RevokeAccessTokens()
	env.Backend.SetDelay(200 * time.Millisecond)

	for i, status := range concurrentGets(t, tc, 2) {
		if status != http.StatusOK {
			t.Errorf("request %d status = %d", i, status)
		}
	}
	if env.Backend.Calls(authtest.EndpointRefresh) != 1 {
		t.Errorf("refresh calls = %d, want 1", env.Backend.Calls(authtest.EndpointRefresh))
	}
}

var errStoreBroken = errors.New("credential store unreadable")

type brokenStore struct {
	*credstore.MemoryStore
}

func (brokenStore) Get(context.Context, credstore.Key) (string, bool, error) {
	return "", false, errStoreBroken
}

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func TestTransport_StoreFailureClosesRequestBody(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	tc := newTestClient(t, env, func(cfg *Config) {
		cfg.Store = brokenStore{MemoryStore: credstore.NewMemoryStore()}
	})

	body := &trackedBody{Reader: bytes.NewBufferString(`{"note":"hello"}`)}
	req, err := http.NewRequest(http.MethodPost, env.BackendServer.URL+authtest.PathData, body)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	res, err := tc.HTTPClient().Transport.RoundTrip(req)
	if !errors.Is(err, errStoreBroken) {
		t.Fatalf("expected store error, got res=%v err=%v", res, err)
	}
	if !body.closed {
		t.Error("request body must be closed when no request is sent")
	}
}
