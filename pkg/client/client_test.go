package client

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/internal/testutil"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
)

// recordingTransport remembers every request it forwards.
type recordingTransport struct {
	base     http.RoundTripper
	mu       sync.Mutex
	requests []*http.Request
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.base.RoundTrip(req)
}

func (r *recordingTransport) Requests(path string) []*http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*http.Request
	for _, req := range r.requests {
		if req.URL.Path == path {
			out = append(out, req)
		}
	}
	return out
}

// barrierTransport holds the first n 401 responses until all n have
// arrived, so the requests that got them refresh concurrently.
type barrierTransport struct {
	base    http.RoundTripper
	n       int32
	seen    atomic.Int32
	release chan struct{}
}

func newBarrierTransport(base http.RoundTripper, n int) *barrierTransport {
	return &barrierTransport{base: base, n: int32(n), release: make(chan struct{})}
}

func (b *barrierTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := b.base.RoundTrip(req)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}
	switch seen := b.seen.Add(1); {
	case seen == b.n:
		close(b.release)
	case seen > b.n:
		return res, nil
	}
	select {
	case <-b.release:
	case <-time.After(5 * time.Second):
	}
	return res, nil
}

type testClient struct {
	*Client
	env      *testutil.TestEnv
	provider *identity.GoTrue
}

func newTestClient(
	t *testing.T,
	env *testutil.TestEnv,
	configure ...func(*Config),
) *testClient {
	t.Helper()
	provider := identity.NewGoTrue(
		env.ProviderServer.URL,
		"",
		env.Store,
		identity.WithHTTPClient(env.ProviderServer.Client()),
		identity.WithLogger(slog.New(slog.DiscardHandler)),
	)
	cfg := Config{
		Store:           env.Store,
		Provider:        provider,
		BackendURL:      env.BackendServer.URL,
		HTTPClient:      env.BackendServer.Client(),
		ExchangeTimeout: 2 * time.Second,
		Logger:          slog.New(slog.DiscardHandler),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testClient{Client: c, env: env, provider: provider}
}

// providerSession signs in with the provider only.
func (tc *testClient) providerSession(t *testing.T) *identity.Session {
	t.Helper()
	session, err := tc.provider.SignInWithPassword(context.Background(), identity.Credentials{
		Email:    testutil.TestEmail,
		Password: testutil.TestPassword,
	})
	if err != nil {
		t.Fatalf("provider sign-in failed: %v", err)
	}
	return session
}

func (tc *testClient) get(t *testing.T, path string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, tc.env.BackendServer.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	res, err := tc.HTTPClient().Do(req)
	if res != nil {
		t.Cleanup(func() { res.Body.Close() })
	}
	return res, err
}

func put(t *testing.T, store credstore.Store, values map[credstore.Key]string) {
	t.Helper()
	batch := credstore.Batch{}
	for key, value := range values {
		batch.Put(key, value)
	}
	if err := store.Apply(context.Background(), batch); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	store := credstore.NewMemoryStore()
	provider := identity.NewGoTrue("http://provider.invalid", "", store)

	if _, err := New(Config{Provider: provider, BackendURL: "http://backend.invalid"}); err != ErrNoStore {
		t.Errorf("expected ErrNoStore, got %v", err)
	}
	if _, err := New(Config{Store: store, BackendURL: "http://backend.invalid"}); err != ErrNoProvider {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
	if _, err := New(Config{Store: store, Provider: provider}); err != ErrNoBackend {
		t.Errorf("expected ErrNoBackend, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	env := testutil.SetupTestEnv(t)
	c, err := New(Config{
		Store:      env.Store,
		Provider:   identity.NewGoTrue(env.ProviderServer.URL, "", env.Store),
		BackendURL: env.BackendServer.URL,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.exchanger.timeout != DefaultExchangeTimeout {
		t.Errorf("timeout = %v, want %v", c.exchanger.timeout, DefaultExchangeTimeout)
	}
	if c.transport.policy != RefreshIndependent {
		t.Errorf("policy = %v, want independent", c.transport.policy)
	}
	if c.Session().Snapshot().State != StateInitializing {
		t.Errorf("initial state = %v", c.Session().Snapshot().State)
	}
	if _, ok := c.HTTPClient().Transport.(*Transport); !ok {
		t.Error("HTTPClient should send through Transport")
	}
	if c.Backend().Endpoints().CurrentUser != "/auth/me" {
		t.Errorf("current user endpoint = %s", c.Backend().Endpoints().CurrentUser)
	}
}
