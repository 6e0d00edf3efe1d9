package client

import (
	"strings"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
)

// Identity is the signed-in user as the application sees it. A zero ID
// marks a degraded identity built from provider metadata alone.
type Identity struct {
	ID            int64  `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	EmailVerified bool   `json:"email_verified"`
}

// Degraded reports whether the backend has not yet confirmed this identity.
func (i *Identity) Degraded() bool {
	return i.ID == 0
}

// DisplayName joins first and last name, falling back to the email.
func (i *Identity) DisplayName() string {
	if name := strings.TrimSpace(i.FirstName + " " + i.LastName); name != "" {
		return name
	}
	return i.Email
}

func identityFromBackend(user backend.User) *Identity {
	return &Identity{
		ID:            user.ID,
		Email:         user.Email,
		FirstName:     user.FirstName,
		LastName:      user.LastName,
		EmailVerified: user.EmailVerified,
	}
}

func degradedIdentity(session *identity.Session) *Identity {
	user := session.User
	first := user.MetadataString("first_name", "given_name")
	last := user.MetadataString("last_name", "family_name")
	if first == "" && last == "" {
		first, last = splitName(user.MetadataString("full_name", "name"))
	}
	if first == "" && last == "" {
		first, _, _ = strings.Cut(user.Email, "@")
	}
	return &Identity{
		Email:         user.Email,
		FirstName:     first,
		LastName:      last,
		EmailVerified: user.EmailConfirmedAt != nil,
	}
}

// splitName splits on the first run of whitespace.
func splitName(full string) (first, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
