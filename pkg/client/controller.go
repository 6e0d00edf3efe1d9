package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
)

// State is the session's position in the auth lifecycle.
type State string

const (
	StateInitializing          State = "initializing"
	StateUnauthenticated       State = "unauthenticated"
	StateDegradedAuthenticated State = "degraded_authenticated"
	StateAuthenticated         State = "authenticated"
)

// Snapshot is an observation of the controller.
type Snapshot struct {
	State   State     `json:"state"`
	User    *Identity `json:"user,omitempty"`
	Loading bool      `json:"loading"`
}

// SignUpResult is the outcome of a sign-up. User is nil when the provider
// wants the email confirmed before a session exists.
type SignUpResult struct {
	User                 *Identity
	ConfirmationRequired bool
}

// Controller is the application-wide session state machine.
type Controller struct {
	provider  identity.Provider
	exchanger *Exchanger
	vault     *Vault
	api       *backend.Client
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	user      *Identity
	loading   bool
	listeners map[int]func(Snapshot)
	nextID    int
}

func newController(
	provider identity.Provider,
	exchanger *Exchanger,
	vault *Vault,
	api *backend.Client,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		provider:  provider,
		exchanger: exchanger,
		vault:     vault,
		api:       api,
		logger:    logger,
		state:     StateInitializing,
		listeners: make(map[int]func(Snapshot)),
	}
}

// Start recovers whatever session survived the last run.
func (c *Controller) Start(ctx context.Context) Snapshot {
	c.setLoading(true)
	c.enter(c.recoverSession(ctx))
	c.setLoading(false)
	return c.Snapshot()
}

func (c *Controller) recoverSession(ctx context.Context) *Identity {
	session, err := c.provider.Session(ctx)
	if err == nil {
		return c.exchanger.ExchangeOrFallback(ctx, session)
	}
	if !errors.Is(err, identity.ErrNoSession) {
		c.logger.Warn("failed to recover provider session", slog.String("error", err.Error()))
	}

	holdings, err := c.vault.Holdings(ctx)
	if err != nil {
		c.logger.Error("failed to read credentials", slog.String("error", err.Error()))
		return nil
	}
	if !holdings.Access {
		// leftovers without an access token can't be validated
		if holdings.Any() {
			c.clearCredentials(ctx)
		}
		return nil
	}

	user, err := c.api.CurrentUser(ctx)
	if err != nil {
		c.logger.Info("stored session no longer valid", slog.String("error", err.Error()))
		c.clearCredentials(ctx)
		return nil
	}
	return identityFromBackend(*user)
}

// SignIn authenticates with the provider, then exchanges or degrades. A
// provider rejection leaves the state unchanged.
func (c *Controller) SignIn(
	ctx context.Context,
	creds identity.Credentials,
) (
	*Identity,
	error,
) {
	c.setLoading(true)
	defer c.setLoading(false)

	session, err := c.provider.SignInWithPassword(ctx, creds)
	if err != nil {
		return nil, providerError(err)
	}
	if session == nil {
		return nil, errNoProviderSession
	}
	return c.establish(ctx, session), nil
}

// SignUp creates an account. When the provider issues a session right away
// this behaves like SignIn; otherwise nothing is stored.
func (c *Controller) SignUp(
	ctx context.Context,
	profile identity.Profile,
) (
	*SignUpResult,
	error,
) {
	c.setLoading(true)
	defer c.setLoading(false)

	result, err := c.provider.SignUp(ctx, profile)
	if err != nil {
		return nil, providerError(err)
	}
	if result.ConfirmationRequired() {
		return &SignUpResult{ConfirmationRequired: true}, nil
	}
	return &SignUpResult{User: c.establish(ctx, result.Session)}, nil
}

// BeginOAuth returns the URL to send the user to for a third-party sign-in.
func (c *Controller) BeginOAuth(
	ctx context.Context,
	provider string,
	redirectTo string,
) (
	string,
	error,
) {
	url, err := c.provider.AuthorizeURL(ctx, provider, redirectTo)
	if err != nil {
		return "", providerError(err)
	}
	return url, nil
}

// CompleteOAuth finishes a third-party sign-in with the code from the
// redirect.
func (c *Controller) CompleteOAuth(
	ctx context.Context,
	code string,
) (
	*Identity,
	error,
) {
	c.setLoading(true)
	defer c.setLoading(false)

	session, err := c.provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, providerError(err)
	}
	if session == nil {
		return nil, errNoProviderSession
	}
	return c.establish(ctx, session), nil
}

// SignOut clears all local credentials and ends the provider session. It
// always ends unauthenticated; provider failures are only logged.
func (c *Controller) SignOut(ctx context.Context) {
	c.clearCredentials(ctx)
	if err := c.provider.SignOut(ctx); err != nil {
		c.logger.Warn("provider sign-out failed", slog.String("error", err.Error()))
	}
	c.enter(nil)
}

// RefreshUser re-reads the user from the backend. On any failure the
// identity is cleared and nil returned.
func (c *Controller) RefreshUser(ctx context.Context) *Identity {
	user, err := c.api.CurrentUser(ctx)
	if err != nil {
		c.logger.Info("failed to refresh user", slog.String("error", err.Error()))
		c.enter(nil)
		return nil
	}
	id := identityFromBackend(*user)
	c.enter(id)
	return id
}

// Snapshot observes the controller. It reconciles with the stored
// credentials first: a session cleared underneath it, as after a rejected
// refresh, is reported as unauthenticated, and a degraded session whose
// exchange has since landed is reported as authenticated.
func (c *Controller) Snapshot() Snapshot {
	return c.reconcile()
}

func (c *Controller) reconcile() Snapshot {
	holdings, err := c.vault.Holdings(context.Background())
	exchanged := c.vault.exchangedUser()

	c.mu.Lock()
	signedIn := c.state == StateAuthenticated || c.state == StateDegradedAuthenticated
	switch {
	case err == nil && signedIn && !holdings.Any():
		c.state = StateUnauthenticated
		c.user = nil
	case c.state == StateDegradedAuthenticated && exchanged != nil:
		c.state = StateAuthenticated
		c.user = identityFromBackend(*exchanged)
	default:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	snap := c.snapshotLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.logger.Debug("session state reconciled", slog.String("state", string(snap.State)))
	notify(listeners, snap)
	return snap
}

// Subscribe registers fn to be called on every state change. The returned
// function unregisters it.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) establish(ctx context.Context, session *identity.Session) *Identity {
	id := c.exchanger.ExchangeOrFallback(ctx, session)
	c.enter(id)
	if id != nil && id.Degraded() {
		// the exchange may have landed before the degraded state was entered
		if snap := c.reconcile(); snap.User != nil && !snap.User.Degraded() {
			return snap.User
		}
	}
	return id
}

func (c *Controller) clearCredentials(ctx context.Context) {
	if err := c.vault.Clear(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("failed to clear credentials", slog.String("error", err.Error()))
	}
}

// enter moves to the state implied by id: nil is unauthenticated, a zero ID
// is degraded.
func (c *Controller) enter(id *Identity) {
	state := StateAuthenticated
	switch {
	case id == nil:
		state = StateUnauthenticated
	case id.Degraded():
		state = StateDegradedAuthenticated
	}

	c.mu.Lock()
	c.state = state
	c.user = id
	snap := c.snapshotLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.logger.Debug("session state changed", slog.String("state", string(state)))
	notify(listeners, snap)
}

func (c *Controller) setLoading(loading bool) {
	c.mu.Lock()
	if c.loading == loading {
		c.mu.Unlock()
		return
	}
	c.loading = loading
	snap := c.snapshotLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()
	notify(listeners, snap)
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{State: c.state, Loading: c.loading}
	if c.user != nil {
		user := *c.user
		snap.User = &user
	}
	return snap
}

func (c *Controller) listenersLocked() []func(Snapshot) {
	listeners := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func notify(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}
