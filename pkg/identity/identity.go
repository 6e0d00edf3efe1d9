// Package identity defines the third-party identity provider the session
// subsystem authenticates against, and ships a client for GoTrue-compatible
// providers.
//
// A provider verifies credentials and issues its own sessions. Those sessions
// are never accepted by the application backend directly; they are exchanged
// for backend tokens by package client.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnavailable = errors.New("identity provider unavailable")
	ErrNoSession   = errors.New("no provider session")
)

// Credentials are an email/password pair for sign-in.
type Credentials struct {
	Email    string
	Password string
}

// Profile is a new account request.
type Profile struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// User is the provider's view of an account. Metadata is free-form and
// provider specific.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	Metadata         map[string]any `json:"user_metadata,omitempty"`
}

// MetadataString returns the first non-empty string metadata value among keys.
func (u User) MetadataString(keys ...string) string {
	for _, key := range keys {
		if value, ok := u.Metadata[key].(string); ok {
			if value = strings.TrimSpace(value); value != "" {
				return value
			}
		}
	}
	return ""
}

// Session is an authenticated provider session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the session expires within leeway of now.
func (s *Session) Expired(now time.Time, leeway time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(s.ExpiresAt)
}

// SignUpResult is the outcome of a sign-up. Session is nil when the provider
// requires the user to confirm their email first.
type SignUpResult struct {
	User    User
	Session *Session
}

// ConfirmationRequired reports whether the account exists but has no session.
func (r *SignUpResult) ConfirmationRequired() bool {
	return r.Session == nil
}

// Provider is an identity provider.
//
// Session returns ErrNoSession when nothing is signed in. SignOut always
// forgets the local session, even when the remote call fails.
type Provider interface {
	SignInWithPassword(ctx context.Context, creds Credentials) (*Session, error)
	SignUp(ctx context.Context, profile Profile) (*SignUpResult, error)
	AuthorizeURL(ctx context.Context, provider string, redirectTo string) (string, error)
	ExchangeCode(ctx context.Context, code string) (*Session, error)
	Session(ctx context.Context) (*Session, error)
	SignOut(ctx context.Context) error
}

// Error is a rejection from the provider: bad credentials, an existing
// account, a weak password. Message is suitable for showing to the user.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Field      string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider rejected request (%d): %s", e.StatusCode, e.Message)
}

// AsError returns the provider rejection wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// fieldFor guesses which form field a rejection message refers to.
func fieldFor(code, message string) string {
	text := strings.ToLower(code + " " + message)
	switch {
	case strings.Contains(text, "password"):
		return "password"
	case strings.Contains(text, "email"),
		strings.Contains(text, "already registered"),
		strings.Contains(text, "user_already_exists"):
		return "email"
	default:
		return ""
	}
}
