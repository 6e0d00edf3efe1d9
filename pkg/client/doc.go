// Package client keeps an application signed in across two identity
// systems: a third-party identity provider that verifies the user, and the
// application backend that issues its own access/refresh token pair.
//
// Sign-in never waits on the backend for long. The provider session is
// exchanged for a backend pair under a timeout; if the backend is slow or
// down the user continues with a degraded identity built from provider
// metadata, and the exchange is retried lazily on the next API call.
//
// # Quick Start
//
//	store, _ := credstore.NewSQLiteStore("session.db")
//	provider := identity.NewGoTrue(providerURL, anonKey, store)
//
//	c, err := client.New(client.Config{
//	    Store:      store,
//	    Provider:   provider,
//	    BackendURL: "https://api.example.com",
//	})
//
//	session := c.Session()
//	session.Start(ctx)
//	user, err := session.SignIn(ctx, identity.Credentials{
//	    Email:    "ada@example.com",
//	    Password: "correct-horse",
//	})
//
// # Calling the API
//
// Requests sent through [Client.HTTPClient] carry the stored access token.
// A 401 triggers one refresh and one replay of the request; the caller only
// sees the replay's response:
//
//	res, err := c.HTTPClient().Get("https://api.example.com/api/data")
//
// When the backend refuses the refresh token the pair is cleared and the
// call fails with an error matching [ErrSessionLost]. The controller reports
// [StateUnauthenticated] on its next [Controller.Snapshot].
//
// # Errors
//
// Failures are [*Error] values classified by [Kind]:
//
//   - [KindProviderAuth]: the provider rejected the user; Message is shown verbatim
//   - [KindBackendUnavailable]: the backend could not be reached
//   - [KindTokenExpired]: an access token expired; handled internally
//   - [KindSessionLost]: the refresh token was rejected
//
// Match them with errors.Is against the sentinels:
//
//	if errors.Is(err, client.ErrBackendUnavailable) {
//	    showBanner(err.Error())
//	}
//
// # Concurrency
//
// All credential transitions go through [Vault], which serializes them and
// applies each as a single store batch. By default concurrent 401s refresh
// independently; set [Config.RefreshPolicy] to [RefreshCoalesced] to share
// one refresh among them.
package client
