package client

import (
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
)

func TestDegradedIdentity(t *testing.T) {
	t.Parallel()
	confirmed := time.Now()
	cases := []struct {
		name      string
		user      identity.User
		wantFirst string
		wantLast  string
	}{
		{
			name:      "full name split on first whitespace",
			user:      identity.User{Email: "ada@example.test", Metadata: map[string]any{"full_name": "Ada King Lovelace"}},
			wantFirst: "Ada",
			wantLast:  "King Lovelace",
		},
		{
			name:      "name key",
			user:      identity.User{Email: "ada@example.test", Metadata: map[string]any{"name": "Ada"}},
			wantFirst: "Ada",
		},
		{
			name:      "explicit first and last",
			user:      identity.User{Email: "ada@example.test", Metadata: map[string]any{"first_name": "Augusta", "last_name": "Byron", "full_name": "Ada Lovelace"}},
			wantFirst: "Augusta",
			wantLast:  "Byron",
		},
		{
			name:      "email local part",
			user:      identity.User{Email: "ada.l@example.test"},
			wantFirst: "ada.l",
		},
		{
			name:      "blank metadata falls back to email",
			user:      identity.User{Email: "ada@example.test", Metadata: map[string]any{"full_name": "   "}},
			wantFirst: "ada",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			id := degradedIdentity(&identity.Session{AccessToken: "p", User: tc.user})
			if id.FirstName != tc.wantFirst || id.LastName != tc.wantLast {
				t.Errorf("got %q %q, want %q %q", id.FirstName, id.LastName, tc.wantFirst, tc.wantLast)
			}
			if !id.Degraded() {
				t.Error("degraded identity must have zero id")
			}
		})
	}

	id := degradedIdentity(&identity.Session{User: identity.User{Email: "a@b", EmailConfirmedAt: &confirmed}})
	if !id.EmailVerified {
		t.Error("confirmed email should be verified")
	}
}

func TestIdentity_DisplayName(t *testing.T) {
	t.Parallel()
	if got := (&Identity{FirstName: "Ada", LastName: "Lovelace"}).DisplayName(); got != "Ada Lovelace" {
		t.Errorf("DisplayName = %q", got)
	}
	if got := (&Identity{Email: "ada@example.test"}).DisplayName(); got != "ada@example.test" {
		t.Errorf("DisplayName = %q", got)
	}
}
