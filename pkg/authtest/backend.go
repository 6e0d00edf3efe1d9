package authtest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/tokens"
	"github.com/gorilla/mux"
)

// Endpoint names used by Backend.Calls.
const (
	EndpointExchange    = "exchange"
	EndpointRefresh     = "refresh"
	EndpointCurrentUser = "me"
	EndpointAPI         = "api"
)

// Paths served by Backend besides the configured auth endpoints.
const (
	PathData = "/api/data"
	PathEcho = "/api/echo"
)

// ErrUnknownProviderToken is returned by verifiers for tokens they did not
// issue.
var ErrUnknownProviderToken = errors.New("unknown provider token")

// Claimant is the identity a provider token vouches for.
type Claimant struct {
	Email     string
	FirstName string
	LastName  string
}

// ProviderVerifier checks provider access tokens presented for exchange.
type ProviderVerifier interface {
	VerifyProviderToken(token string) (Claimant, error)
}

// VerifierFunc adapts a function to ProviderVerifier.
type VerifierFunc func(token string) (Claimant, error)

func (f VerifierFunc) VerifyProviderToken(token string) (Claimant, error) { return f(token) }

// AcceptAnyToken vouches for a fixed test user regardless of the token.
var AcceptAnyToken = VerifierFunc(func(token string) (Claimant, error) {
	if token == "" {
		return Claimant{}, ErrUnknownProviderToken
	}
	return Claimant{Email: "user@example.test", FirstName: "Test", LastName: "User"}, nil
})

// Backend is a fake application backend. It exchanges provider tokens for
// its own JWT pair, refreshes access tokens without rotating the refresh
// token, and guards a couple of API routes with bearer auth.
type Backend struct {
	issuer          *tokens.Issuer
	verifier        ProviderVerifier
	endpoints       backend.Endpoints
	accessLifetime  time.Duration
	refreshLifetime time.Duration
	rotateRefresh   bool

	mu            sync.Mutex
	users         map[string]*backend.User
	nextID        int64
	issuedAccess  []string
	revoked       map[string]bool
	calls         map[string]int
	delay         time.Duration
	down          bool
	rejectRefresh bool
}

type BackendOption func(*Backend)

func WithBackendEndpoints(endpoints backend.Endpoints) BackendOption {
	return func(b *Backend) { b.endpoints = endpoints }
}

func WithAccessLifetime(d time.Duration) BackendOption {
	return func(b *Backend) { b.accessLifetime = d }
}

// WithRefreshRotation makes refresh responses carry a new refresh token.
func WithRefreshRotation() BackendOption {
	return func(b *Backend) { b.rotateRefresh = true }
}

func NewBackend(
	verifier ProviderVerifier,
	opts ...BackendOption,
) (
	*Backend,
	error,
) {
	issuer, err := NewIssuer("backend.test")
	if err != nil {
		return nil, fmt.Errorf("failed to create backend issuer: %w", err)
	}
	if verifier == nil {
		verifier = AcceptAnyToken
	}
	b := &Backend{
		issuer:          issuer,
		verifier:        verifier,
		endpoints:       backend.DefaultEndpoints(),
		accessLifetime:  30 * time.Minute,
		refreshLifetime: 72 * time.Hour,
		users:           make(map[string]*backend.User),
		nextID:          1,
		revoked:         make(map[string]bool),
		calls:           make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Endpoints returns the auth paths the backend serves.
func (b *Backend) Endpoints() backend.Endpoints {
	return b.endpoints
}

// Router builds the backend's routes.
func (b *Backend) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(b.faults)
	r.HandleFunc(b.endpoints.Exchange, b.handleExchange).Methods(http.MethodPost)
	r.HandleFunc(b.endpoints.Refresh, b.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc(b.endpoints.CurrentUser, b.handleCurrentUser).Methods(http.MethodGet)
	r.HandleFunc(PathData, b.handleData).Methods(http.MethodGet)
	r.HandleFunc(PathEcho, b.handleEcho).Methods(http.MethodPost)
	return r
}

// SetDelay holds every response for d, or until the client gives up.
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// SetDown makes the backend drop connections without responding.
func (b *Backend) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// SetRejectRefresh makes the refresh endpoint answer 401.
func (b *Backend) SetRejectRefresh(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectRefresh = reject
}

// RevokeAccessTokens invalidates every access token issued so far, as if
// they had all expired.
func (b *Backend) RevokeAccessTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.issuedAccess {
		b.revoked[id] = true
	}
}

// Calls reports how many requests reached endpoint.
func (b *Backend) Calls(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[endpoint]
}

// ValidAccess reports whether token is an unrevoked, unexpired access token.
func (b *Backend) ValidAccess(token string) bool {
	_, err := b.authenticate(token)
	return err == nil
}

// IssuePair mints a token pair for email directly, bypassing exchange.
func (b *Backend) IssuePair(email string) (backend.TokenPair, *backend.User, error) {
	user := b.userFor(Claimant{Email: email})
	pair, err := b.issuePair(user)
	return pair, user, err
}

func (b *Backend) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		delay, down := b.delay, b.down
		b.mu.Unlock()

		if down {
			dropConnection(w)
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func dropConnection(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func (b *Backend) count(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[endpoint]++
}

func (b *Backend) handleExchange(w http.ResponseWriter, r *http.Request) {
	b.count(EndpointExchange)

	req := backend.ExchangeRequest{}
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}

	claimant, err := b.verifier.VerifyProviderToken(req.ProviderToken)
	if err != nil {
		logApiErr(r, fmt.Sprintf("couldn't verify provider token: %v", err))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	user := b.userFor(claimant)
	pair, err := b.issuePair(user)
	if err != nil {
		logApiErr(r, fmt.Sprintf("couldn't issue tokens: %v", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	returnJson(backend.ExchangeResponse{
		Access:  pair.Access,
		Refresh: pair.Refresh,
		User:    *user,
	}, w)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.count(EndpointRefresh)

	req := backend.RefreshRequest{}
	if ok := decodeRequest(&req, w, r); !ok {
		return
	}

	b.mu.Lock()
	reject := b.rejectRefresh
	b.mu.Unlock()
	if reject {
		logApiErr(r, "refresh rejected")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	claims, err := b.issuer.Parse(req.Refresh, tokens.KindRefresh)
	if err != nil {
		logApiErr(r, fmt.Sprintf("couldn't decode refresh token: %v", err))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	user := b.userByID(claims.Subject)
	if user == nil {
		logApiErr(r, "refresh token for unknown user")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	access, err := b.issueAccess(user)
	if err != nil {
		logApiErr(r, fmt.Sprintf("couldn't issue access token: %v", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	res := backend.RefreshResponse{Access: access}
	if b.rotateRefresh {
		refresh, _, err := b.issuer.IssueRefreshToken(claims.Subject, b.refreshLifetime)
		if err != nil {
			logApiErr(r, fmt.Sprintf("couldn't issue refresh token: %v", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		res.Refresh = refresh
	}
	returnJson(res, w)
}

func (b *Backend) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	b.count(EndpointCurrentUser)

	user, ok := b.requireBearer(w, r)
	if !ok {
		return
	}
	returnJson(user, w)
}

func (b *Backend) handleData(w http.ResponseWriter, r *http.Request) {
	b.count(EndpointAPI)

	user, ok := b.requireBearer(w, r)
	if !ok {
		return
	}
	returnJson(map[string]any{
		"user_id": user.ID,
		"ok":      true,
	}, w)
}

func (b *Backend) handleEcho(w http.ResponseWriter, r *http.Request) {
	b.count(EndpointAPI)

	if _, ok := b.requireBearer(w, r); !ok {
		return
	}
	body := map[string]any{}
	if ok := decodeRequest(&body, w, r); !ok {
		return
	}
	returnJson(body, w)
}

func (b *Backend) requireBearer(w http.ResponseWriter, r *http.Request) (*backend.User, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		logApiErr(r, "missing bearer token")
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	user, err := b.authenticate(token)
	if err != nil {
		logApiErr(r, fmt.Sprintf("bad bearer token: %v", err))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

func (b *Backend) authenticate(token string) (*backend.User, error) {
	claims, err := b.issuer.Parse(token, tokens.KindAccess)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	revoked := b.revoked[claims.ID]
	b.mu.Unlock()
	if revoked {
		return nil, tokens.ErrTokenExpired
	}

	user := b.userByID(claims.Subject)
	if user == nil {
		return nil, errors.New("unknown user")
	}
	return user, nil
}

func (b *Backend) userFor(claimant Claimant) *backend.User {
	b.mu.Lock()
	defer b.mu.Unlock()

	if user, ok := b.users[claimant.Email]; ok {
		return user
	}
	user := &backend.User{
		ID:            b.nextID,
		Email:         claimant.Email,
		FirstName:     claimant.FirstName,
		LastName:      claimant.LastName,
		EmailVerified: true,
	}
	b.nextID++
	b.users[claimant.Email] = user
	return user
}

func (b *Backend) userByID(subject string) *backend.User {
	id, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, user := range b.users {
		if user.ID == id {
			copied := *user
			return &copied
		}
	}
	return nil
}

func (b *Backend) issuePair(user *backend.User) (backend.TokenPair, error) {
	access, err := b.issueAccess(user)
	if err != nil {
		return backend.TokenPair{}, err
	}
	refresh, _, err := b.issuer.IssueRefreshToken(strconv.FormatInt(user.ID, 10), b.refreshLifetime)
	if err != nil {
		return backend.TokenPair{}, err
	}
	return backend.TokenPair{Access: access, Refresh: refresh}, nil
}

func (b *Backend) issueAccess(user *backend.User) (string, error) {
	access, claims, err := b.issuer.IssueAccessToken(
		strconv.FormatInt(user.ID, 10),
		user.Email,
		b.accessLifetime,
	)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.issuedAccess = append(b.issuedAccess, claims.ID)
	b.mu.Unlock()
	return access, nil
}
