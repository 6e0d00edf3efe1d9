package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/tokens"
	"golang.org/x/oauth2"
)

const (
	SessionKey      credstore.Key = "provider_session"
	CodeVerifierKey credstore.Key = "provider_code_verifier"

	expiryLeeway     = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// GoTrue talks to a GoTrue-compatible identity provider over HTTP and keeps
// its session in a credential store.
type GoTrue struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	store      credstore.Store
	logger     *slog.Logger
	now        func() time.Time

	// serializes session refresh so concurrent callers don't burn the
	// provider's single-use refresh token twice
	mu sync.Mutex
}

type GoTrueOption func(*GoTrue)

func WithHTTPClient(client *http.Client) GoTrueOption {
	return func(g *GoTrue) { g.httpClient = client }
}

func WithLogger(logger *slog.Logger) GoTrueOption {
	return func(g *GoTrue) { g.logger = logger }
}

func WithClock(now func() time.Time) GoTrueOption {
	return func(g *GoTrue) { g.now = now }
}

func NewGoTrue(
	baseURL string,
	apiKey string,
	store credstore.Store,
	opts ...GoTrueOption,
) *GoTrue {
	g := &GoTrue{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (g *GoTrue) SignInWithPassword(
	ctx context.Context,
	creds Credentials,
) (
	*Session,
	error,
) {
	body := map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	}
	var res tokenResponse
	if err := g.post(ctx, "/token?grant_type=password", "", body, &res); err != nil {
		return nil, err
	}
	return g.storeSession(ctx, res)
}

func (g *GoTrue) SignUp(
	ctx context.Context,
	profile Profile,
) (
	*SignUpResult,
	error,
) {
	metadata := map[string]any{}
	if profile.FirstName != "" {
		metadata["first_name"] = profile.FirstName
	}
	if profile.LastName != "" {
		metadata["last_name"] = profile.LastName
	}
	if full := strings.TrimSpace(profile.FirstName + " " + profile.LastName); full != "" {
		metadata["full_name"] = full
	}
	body := map[string]any{
		"email":    profile.Email,
		"password": profile.Password,
		"data":     metadata,
	}

	var raw json.RawMessage
	if err := g.post(ctx, "/signup", "", body, &raw); err != nil {
		return nil, err
	}

	// an active session comes back as a token response, a pending
	// confirmation as a bare user
	var res tokenResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: invalid signup response: %v", ErrUnavailable, err)
	}
	if res.AccessToken == "" {
		var user User
		if err := json.Unmarshal(raw, &user); err != nil {
			return nil, fmt.Errorf("%w: invalid signup response: %v", ErrUnavailable, err)
		}
		return &SignUpResult{User: user}, nil
	}

	session, err := g.storeSession(ctx, res)
	if err != nil {
		return nil, err
	}
	return &SignUpResult{User: session.User, Session: session}, nil
}

// AuthorizeURL builds the OAuth redirect for provider and remembers the PKCE
// verifier for ExchangeCode.
func (g *GoTrue) AuthorizeURL(
	ctx context.Context,
	provider string,
	redirectTo string,
) (
	string,
	error,
) {
	if provider == "" {
		return "", errors.New("oauth provider required")
	}
	verifier := oauth2.GenerateVerifier()
	batch := credstore.Batch{}
	if err := g.store.Apply(ctx, *batch.Put(CodeVerifierKey, verifier)); err != nil {
		return "", fmt.Errorf("failed to store code verifier: %w", err)
	}

	query := url.Values{}
	query.Set("provider", provider)
	if redirectTo != "" {
		query.Set("redirect_to", redirectTo)
	}
	query.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	query.Set("code_challenge_method", "s256")
	return g.baseURL + "/authorize?" + query.Encode(), nil
}

func (g *GoTrue) ExchangeCode(
	ctx context.Context,
	code string,
) (
	*Session,
	error,
) {
	verifier, ok, err := g.store.Get(ctx, CodeVerifierKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read code verifier: %w", err)
	}
	if !ok {
		return nil, &Error{
			StatusCode: http.StatusBadRequest,
			Code:       "flow_state_not_found",
			Message:    "No sign-in is in progress. Please start again.",
		}
	}

	body := map[string]string{
		"auth_code":     code,
		"code_verifier": verifier,
	}
	var res tokenResponse
	if err := g.post(ctx, "/token?grant_type=pkce", "", body, &res); err != nil {
		return nil, err
	}
	return g.storeSession(ctx, res, CodeVerifierKey)
}

// Session returns the stored session, refreshing it first if it is about to
// expire. A session the provider refuses to refresh is forgotten.
func (g *GoTrue) Session(ctx context.Context) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, err := g.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if !session.Expired(g.now(), expiryLeeway) {
		return session, nil
	}
	if session.RefreshToken == "" {
		g.forgetSession(ctx)
		return nil, ErrNoSession
	}

	body := map[string]string{"refresh_token": session.RefreshToken}
	var res tokenResponse
	err = g.post(ctx, "/token?grant_type=refresh_token", "", body, &res)
	if _, rejected := AsError(err); rejected {
		g.logger.Info("provider session refresh rejected", slog.String("error", err.Error()))
		g.forgetSession(ctx)
		return nil, ErrNoSession
	} else if err != nil {
		return nil, err
	}
	return g.storeSession(ctx, res)
}

// SignOut revokes the session remotely and always forgets it locally.
func (g *GoTrue) SignOut(ctx context.Context) error {
	session, err := g.loadSession(ctx)
	g.forgetSession(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil
	} else if err != nil {
		return err
	}
	return g.post(ctx, "/logout", session.AccessToken, nil, nil)
}

func (g *GoTrue) loadSession(ctx context.Context) (*Session, error) {
	encoded, ok, err := g.store.Get(ctx, SessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider session: %w", err)
	}
	if !ok {
		return nil, ErrNoSession
	}
	var session Session
	if err := json.Unmarshal([]byte(encoded), &session); err != nil || session.AccessToken == "" {
		g.logger.Error("discarding unreadable provider session")
		g.forgetSession(ctx)
		return nil, ErrNoSession
	}
	return &session, nil
}

func (g *GoTrue) forgetSession(ctx context.Context) {
	batch := credstore.Batch{}
	batch.Remove(SessionKey, CodeVerifierKey)
	if err := g.store.Apply(ctx, batch); err != nil {
		g.logger.Error("failed to clear provider session", slog.String("error", err.Error()))
	}
}

func (g *GoTrue) storeSession(
	ctx context.Context,
	res tokenResponse,
	alsoDelete ...credstore.Key,
) (
	*Session,
	error,
) {
	if res.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrUnavailable)
	}
	session := &Session{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    g.expiresAt(res),
		User:         res.User,
	}

	encoded, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider session: %w", err)
	}
	batch := credstore.Batch{}
	batch.Put(SessionKey, string(encoded)).Remove(alsoDelete...)
	if err := g.store.Apply(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to store provider session: %w", err)
	}
	return session, nil
}

func (g *GoTrue) expiresAt(res tokenResponse) time.Time {
	switch {
	case res.ExpiresAt > 0:
		return time.Unix(res.ExpiresAt, 0)
	case res.ExpiresIn > 0:
		return g.now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	if exp, err := tokens.Expiry(res.AccessToken); err == nil {
		return exp
	}
	return time.Time{}
}

func (g *GoTrue) post(
	ctx context.Context,
	path string,
	bearer string,
	body any,
	response any,
) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("apikey", g.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %w", ErrUnavailable, err)
	}

	switch {
	case res.StatusCode >= 500:
		return fmt.Errorf("%w: %s responded %d", ErrUnavailable, path, res.StatusCode)
	case res.StatusCode >= 400:
		return decodeError(res.StatusCode, payload)
	}

	if response == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, response); err != nil {
		return fmt.Errorf("%w: invalid response from %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func decodeError(status int, payload []byte) *Error {
	var res errorResponse
	_ = json.Unmarshal(payload, &res)

	code := res.ErrorCode
	if code == "" {
		code = res.Error
	}
	message := res.ErrorDescription
	for _, candidate := range []string{res.Msg, res.Message, res.Error} {
		if message != "" {
			break
		}
		message = candidate
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{
		StatusCode: status,
		Code:       code,
		Message:    message,
		Field:      fieldFor(code, message),
	}
}
