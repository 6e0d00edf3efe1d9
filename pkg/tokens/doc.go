// Package tokens issues and parses the ES256-signed JSON Web Tokens that
// make up a backend token pair.
//
// The package defines two token kinds:
//
//   - access: short-lived, sent as a bearer credential on every API call
//   - refresh: long-lived, only ever presented to the refresh endpoint
//
// # Issuing
//
//	issuer := tokens.NewIssuer(signingKey, "api.example.com")
//	access, _, err := issuer.IssueAccessToken("42", "ada@example.com", 30*time.Minute)
//	refresh, _, err := issuer.IssueRefreshToken("42", 72*time.Hour)
//
// # Parsing
//
//	claims, err := issuer.Parse(encoded, tokens.KindAccess)
//	switch {
//	case errors.Is(err, tokens.ErrTokenExpired):
//	    // token has expired
//	case errors.Is(err, tokens.ErrTokenWrongKind):
//	    // a refresh token was presented as an access token, or the reverse
//	case errors.Is(err, tokens.ErrTokenBadSignature):
//	    // signed by another key
//	}
//
// # Reading expiry without a key
//
// Clients that only hold a token, not the key that signed it, can still read
// its expiry to decide when it is worth refreshing:
//
//	exp, err := tokens.Expiry(encoded)
package tokens
