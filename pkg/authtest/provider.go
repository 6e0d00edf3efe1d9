package authtest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/tokens"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// Provider endpoint names used by Provider.Calls.
const (
	EndpointToken     = "token"
	EndpointSignup    = "signup"
	EndpointAuthorize = "authorize"
	EndpointLogout    = "logout"
)

type providerUser struct {
	id          string
	email       string
	hash        []byte
	confirmedAt *time.Time
	metadata    map[string]any
}

type authCode struct {
	email     string
	challenge string
}

// Provider is a fake GoTrue-compatible identity provider. Passwords are
// bcrypt hashed; access tokens are JWTs the Backend can verify through
// VerifyProviderToken; refresh tokens are single use.
type Provider struct {
	issuer         *tokens.Issuer
	apiKey         string
	accessLifetime time.Duration

	mu                  sync.Mutex
	users               map[string]*providerUser
	refreshTokens       map[string]string
	codes               map[string]authCode
	revoked             map[string]bool
	calls               map[string]int
	requireConfirmation bool
}

type ProviderOption func(*Provider)

// WithAPIKey makes the provider reject requests without a matching apikey
// header.
func WithAPIKey(key string) ProviderOption {
	return func(p *Provider) { p.apiKey = key }
}

func WithProviderAccessLifetime(d time.Duration) ProviderOption {
	return func(p *Provider) { p.accessLifetime = d }
}

func NewProvider(opts ...ProviderOption) (*Provider, error) {
	issuer, err := NewIssuer("provider.test")
	if err != nil {
		return nil, fmt.Errorf("failed to create provider issuer: %w", err)
	}
	p := &Provider{
		issuer:         issuer,
		accessLifetime: time.Hour,
		users:          make(map[string]*providerUser),
		refreshTokens:  make(map[string]string),
		codes:          make(map[string]authCode),
		revoked:        make(map[string]bool),
		calls:          make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(p.requireAPIKey)
	r.HandleFunc("/token", p.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/signup", p.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/authorize", p.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/logout", p.handleLogout).Methods(http.MethodPost)
	return r
}

// AddUser registers a confirmed account.
func (p *Provider) AddUser(
	email string,
	password string,
	metadata map[string]any,
) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", email, err)
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[email]; exists {
		return fmt.Errorf("user %s already exists", email)
	}
	p.users[email] = &providerUser{
		id:          uuid.NewString(),
		email:       email,
		hash:        hash,
		confirmedAt: &now,
		metadata:    metadata,
	}
	return nil
}

// SetRequireConfirmation makes new sign-ups wait for email confirmation.
func (p *Provider) SetRequireConfirmation(require bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requireConfirmation = require
}

// ConfirmEmail marks an account confirmed, as clicking the emailed link
// would.
func (p *Provider) ConfirmEmail(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[email]
	if !ok {
		return false
	}
	now := time.Now()
	user.confirmedAt = &now
	return true
}

// Calls reports how many requests reached endpoint.
func (p *Provider) Calls(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[endpoint]
}

// VerifyProviderToken implements ProviderVerifier so a Backend can trust
// this provider's access tokens.
func (p *Provider) VerifyProviderToken(token string) (Claimant, error) {
	claims, err := p.issuer.Parse(token, tokens.KindAccess)
	if err != nil {
		return Claimant{}, fmt.Errorf("%w: %v", ErrUnknownProviderToken, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revoked[claims.ID] {
		return Claimant{}, fmt.Errorf("%w: session ended", ErrUnknownProviderToken)
	}
	user, ok := p.users[claims.Email]
	if !ok {
		return Claimant{}, ErrUnknownProviderToken
	}
	first, _ := user.metadata["first_name"].(string)
	last, _ := user.metadata["last_name"].(string)
	return Claimant{Email: user.email, FirstName: first, LastName: last}, nil
}

func (p *Provider) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.apiKey != "" && r.Header.Get("apikey") != p.apiKey {
			returnJsonStatus(http.StatusUnauthorized, map[string]string{
				"message": "Invalid API key",
			}, w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Provider) count(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[endpoint]++
}

func invalidGrant(w http.ResponseWriter, description string) {
	returnJsonStatus(http.StatusBadRequest, map[string]string{
		"error":             "invalid_grant",
		"error_description": description,
	}, w)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.count(EndpointToken)

	switch grant := r.URL.Query().Get("grant_type"); grant {
	case "password":
		p.passwordGrant(w, r)
	case "refresh_token":
		p.refreshGrant(w, r)
	case "pkce":
		p.pkceGrant(w, r)
	default:
		logApiErr(r, fmt.Sprintf("unsupported grant type %q", grant))
		returnJsonStatus(http.StatusBadRequest, map[string]string{
			"error":             "unsupported_grant_type",
			"error_description": "Unsupported grant type",
		}, w)
	}
}

func (p *Provider) passwordGrant(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{}
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}

	p.mu.Lock()
	user, ok := p.users[req.Email]
	confirmed := ok && user.confirmedAt != nil
	p.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(user.hash, []byte(req.Password)) != nil {
		invalidGrant(w, "Invalid login credentials")
		return
	}
	if !confirmed {
		invalidGrant(w, "Email not confirmed")
		return
	}
	p.returnSession(w, r, user)
}

func (p *Provider) refreshGrant(w http.ResponseWriter, r *http.Request) {
	req := struct {
		RefreshToken string `json:"refresh_token"`
	}{}
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}

	p.mu.Lock()
	email, ok := p.refreshTokens[req.RefreshToken]
	delete(p.refreshTokens, req.RefreshToken)
	user := p.users[email]
	p.mu.Unlock()
	if !ok || user == nil {
		invalidGrant(w, "Invalid Refresh Token: Refresh Token Not Found")
		return
	}
	p.returnSession(w, r, user)
}

func (p *Provider) pkceGrant(w http.ResponseWriter, r *http.Request) {
	req := struct {
		AuthCode     string `json:"auth_code"`
		CodeVerifier string `json:"code_verifier"`
	}{}
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}

	p.mu.Lock()
	code, ok := p.codes[req.AuthCode]
	delete(p.codes, req.AuthCode)
	user := p.users[code.email]
	p.mu.Unlock()
	if !ok || user == nil {
		invalidGrant(w, "invalid flow state, no valid flow state found")
		return
	}
	if oauth2.S256ChallengeFromVerifier(req.CodeVerifier) != code.challenge {
		invalidGrant(w, "code challenge does not match previously saved code verifier")
		return
	}
	p.returnSession(w, r, user)
}

func (p *Provider) handleSignup(w http.ResponseWriter, r *http.Request) {
	p.count(EndpointSignup)

	req := struct {
		Email    string         `json:"email"`
		Password string         `json:"password"`
		Data     map[string]any `json:"data"`
	}{}
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}
	if !strings.Contains(req.Email, "@") {
		returnJsonStatus(http.StatusBadRequest, map[string]any{
			"code":       400,
			"error_code": "validation_failed",
			"msg":        "Unable to validate email address: invalid format",
		}, w)
		return
	}
	if len(req.Password) < 6 {
		returnJsonStatus(http.StatusUnprocessableEntity, map[string]any{
			"code":       422,
			"error_code": "weak_password",
			"msg":        "Password should be at least 6 characters.",
		}, w)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		logApiErr(r, fmt.Sprintf("couldn't hash password: %v", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	p.mu.Lock()
	if _, exists := p.users[req.Email]; exists {
		p.mu.Unlock()
		returnJsonStatus(http.StatusUnprocessableEntity, map[string]any{
			"code":       422,
			"error_code": "user_already_exists",
			"msg":        "User already registered",
		}, w)
		return
	}
	user := &providerUser{
		id:       uuid.NewString(),
		email:    req.Email,
		hash:     hash,
		metadata: req.Data,
	}
	if !p.requireConfirmation {
		now := time.Now()
		user.confirmedAt = &now
	}
	p.users[req.Email] = user
	p.mu.Unlock()

	if user.confirmedAt == nil {
		returnJson(userJSON(user), w)
		return
	}
	p.returnSession(w, r, user)
}

// handleAuthorize stands in for the whole third-party OAuth dance: it signs
// in (or creates) "<provider>-user@example.test" and redirects straight back
// with a code bound to the PKCE challenge.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p.count(EndpointAuthorize)

	query := r.URL.Query()
	provider := query.Get("provider")
	challenge := query.Get("code_challenge")
	redirectTo := query.Get("redirect_to")
	if provider == "" || challenge == "" || redirectTo == "" {
		logApiErr(r, "missing provider, code_challenge or redirect_to")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(redirectTo)
	if err != nil {
		logApiErr(r, "bad redirect_to")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	email := provider + "-user@example.test"
	code := uuid.NewString()

	p.mu.Lock()
	if _, exists := p.users[email]; !exists {
		now := time.Now()
		p.users[email] = &providerUser{
			id:          uuid.NewString(),
			email:       email,
			confirmedAt: &now,
			metadata:    map[string]any{"full_name": "OAuth " + provider},
		}
	}
	p.codes[code] = authCode{email: email, challenge: challenge}
	p.mu.Unlock()

	values := redirect.Query()
	values.Set("code", code)
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusSeeOther)
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	p.count(EndpointLogout)

	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	claims, err := p.issuer.Parse(token, tokens.KindAccess)
	if err != nil {
		logApiErr(r, fmt.Sprintf("bad bearer token: %v", err))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	p.mu.Lock()
	p.revoked[claims.ID] = true
	for refresh, email := range p.refreshTokens {
		if email == claims.Email {
			delete(p.refreshTokens, refresh)
		}
	}
	p.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) returnSession(w http.ResponseWriter, r *http.Request, user *providerUser) {
	access, claims, err := p.issuer.IssueAccessToken(user.id, user.email, p.accessLifetime)
	if err != nil {
		logApiErr(r, fmt.Sprintf("couldn't issue access token: %v", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	refresh := uuid.NewString()

	p.mu.Lock()
	p.refreshTokens[refresh] = user.email
	p.mu.Unlock()

	returnJson(map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int64(p.accessLifetime / time.Second),
		"expires_at":    claims.ExpiresAt.Unix(),
		"refresh_token": refresh,
		"user":          userJSON(user),
	}, w)
}

func userJSON(user *providerUser) map[string]any {
	out := map[string]any{
		"id":            user.id,
		"email":         user.email,
		"user_metadata": user.metadata,
	}
	if user.confirmedAt != nil {
		out["email_confirmed_at"] = user.confirmedAt.UTC().Format(time.RFC3339)
	}
	return out
}
