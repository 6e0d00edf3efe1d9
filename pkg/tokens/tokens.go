package tokens

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenMalformed     = errors.New("token malformed")
	ErrTokenBadSignature  = errors.New("token bad signature")
	ErrTokenInvalidIssuer = errors.New("token invalid issuer")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenNotIssued     = errors.New("token not issued yet")
	ErrTokenWrongKind     = errors.New("token wrong kind")
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the claim set carried by both token kinds.
type Claims struct {
	Kind  Kind   `json:"kind"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens for one issuer domain.
type Issuer struct {
	signingKey   *ecdsa.PrivateKey
	issuerDomain string
}

func NewIssuer(
	signingKey *ecdsa.PrivateKey,
	issuerDomain string,
) *Issuer {
	return &Issuer{
		signingKey:   signingKey,
		issuerDomain: issuerDomain,
	}
}

func (i *Issuer) Domain() string { return i.issuerDomain }

func (i *Issuer) IssueAccessToken(
	subject string,
	email string,
	lifetime time.Duration,
) (
	string,
	*Claims,
	error,
) {
	return i.issue(KindAccess, subject, email, lifetime)
}

func (i *Issuer) IssueRefreshToken(
	subject string,
	lifetime time.Duration,
) (
	string,
	*Claims,
	error,
) {
	return i.issue(KindRefresh, subject, "", lifetime)
}

func (i *Issuer) issue(
	kind Kind,
	subject string,
	email string,
	lifetime time.Duration,
) (
	string,
	*Claims,
	error,
) {
	now := time.Now()
	claims := &Claims{
		Kind:  kind,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuerDomain,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign %s token: %v", kind, err)
	}
	return encoded, claims, nil
}

// Parse verifies encoded and checks that it is a token of the given kind.
func (i *Issuer) Parse(
	encoded string,
	kind Kind,
) (
	*Claims,
	error,
) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		encoded,
		claims,
		func(*jwt.Token) (any, error) { return &i.signingKey.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(i.issuerDomain),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: want %s, got %q", ErrTokenWrongKind, kind, claims.Kind)
	}
	return claims, nil
}

// Expiry reads the exp claim of any JWT without verifying its signature.
func Expiry(encoded string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(encoded, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrTokenMalformed)
	}
	return claims.ExpiresAt.Time, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrTokenNotIssued, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrTokenInvalidIssuer, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrTokenBadSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
