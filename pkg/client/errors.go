package client

import (
	"context"
	"errors"
	"net"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
)

// Kind classifies an Error.
type Kind string

const (
	KindProviderAuth       Kind = "provider_auth"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindTokenExpired       Kind = "token_expired"
	KindSessionLost        Kind = "session_lost"
)

// User-presentable messages for connectivity failures.
const (
	MessageTimeout     = "The server took too long to respond. Please try again."
	MessageUnreachable = "Unable to reach the server. Please check your connection."
	MessageSessionLost = "Your session has expired. Please sign in again."
)

// errNoProviderSession reports a provider that accepted the user but
// returned no session.
var errNoProviderSession = &Error{
	Kind:    KindProviderAuth,
	Message: "The identity provider did not return a session.",
	Cause:   identity.ErrNoSession,
}

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrProviderAuth       = &Error{Kind: KindProviderAuth}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrSessionLost        = &Error{Kind: KindSessionLost}
)

// Error is a structured auth failure. Message is safe to show to the user;
// Field names the form field it concerns, when known.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of the first Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func unavailable(cause error) *Error {
	message := MessageUnreachable
	if isTimeout(cause) {
		message = MessageTimeout
	}
	return &Error{
		Kind:    KindBackendUnavailable,
		Message: message,
		Cause:   cause,
	}
}

func tokenExpired(cause error) *Error {
	return &Error{
		Kind:    KindTokenExpired,
		Message: "access token expired",
		Cause:   cause,
	}
}

func sessionLost(cause error) *Error {
	return &Error{
		Kind:    KindSessionLost,
		Message: MessageSessionLost,
		Cause:   cause,
	}
}

// providerError maps an identity provider failure. Rejections keep the
// provider's message verbatim; anything else is a connectivity problem.
func providerError(err error) error {
	if err == nil {
		return nil
	}
	if rejected, ok := identity.AsError(err); ok {
		return &Error{
			Kind:    KindProviderAuth,
			Message: rejected.Message,
			Field:   rejected.Field,
			Cause:   err,
		}
	}
	if errors.Is(err, identity.ErrUnavailable) || isTimeout(err) {
		return unavailable(err)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
