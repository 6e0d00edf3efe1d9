// Package testutil wires the provider and backend fakes to a memory store
// for end-to-end tests of the client.
package testutil

import (
	"net/http/httptest"
	"testing"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/authtest"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
)

// Default account registered by SetupTestEnv.
const (
	TestEmail    = "ada@example.test"
	TestPassword = "correct-horse"
)

// TestEnv is a running provider fake, a backend fake that trusts it, and the
// store a client under test should use.
type TestEnv struct {
	Provider       *authtest.Provider
	ProviderServer *httptest.Server
	Backend        *authtest.Backend
	BackendServer  *httptest.Server
	Store          *credstore.MemoryStore
}

// SetupTestEnv starts both fakes and registers the default account
func SetupTestEnv(
	t *testing.T,
	backendOpts ...authtest.BackendOption,
) *TestEnv {
	t.Helper()

	provider, providerServer := authtest.StartProvider(t)
	backend, backendServer := authtest.StartBackend(t, provider, backendOpts...)

	if err := provider.AddUser(TestEmail, TestPassword, map[string]any{
		"full_name": "Ada Lovelace",
	}); err != nil {
		t.Fatalf("failed to register test user: %v", err)
	}

	store := credstore.NewMemoryStore()
	t.Cleanup(func() {
		_ = store.Close()
	})

	return &TestEnv{
		Provider:       provider,
		ProviderServer: providerServer,
		Backend:        backend,
		BackendServer:  backendServer,
		Store:          store,
	}
}

// Value reads key from the environment's store, failing the test on error
func (env *TestEnv) Value(
	t *testing.T,
	key credstore.Key,
) string {
	t.Helper()
	return StoreValue(t, env.Store, key)
}

// StoreValue reads key from store, failing the test on error
func StoreValue(
	t *testing.T,
	store credstore.Store,
	key credstore.Key,
) string {
	t.Helper()
	value, _, err := store.Get(t.Context(), key)
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	return value
}
