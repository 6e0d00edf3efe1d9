package client

import (
	"context"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
)

// Session is the controller's surface for UI layers.
// Consuming projects should depend on this interface rather than *Controller
// to enable testing with mock implementations.
type Session interface {
	Start(ctx context.Context) Snapshot
	SignIn(ctx context.Context, creds identity.Credentials) (*Identity, error)
	SignUp(ctx context.Context, profile identity.Profile) (*SignUpResult, error)
	SignOut(ctx context.Context)
	RefreshUser(ctx context.Context) *Identity
	Snapshot() Snapshot
	Subscribe(fn func(Snapshot)) func()
}

// OAuthSession adds third-party redirect sign-in.
type OAuthSession interface {
	Session
	BeginOAuth(ctx context.Context, provider string, redirectTo string) (string, error)
	CompleteOAuth(ctx context.Context, code string) (*Identity, error)
}

// Compile-time check that *Controller implements OAuthSession.
var _ Session = (*Controller)(nil)
var _ OAuthSession = (*Controller)(nil)
var _ identity.Provider = (*identity.GoTrue)(nil)
