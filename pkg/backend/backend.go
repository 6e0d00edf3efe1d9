// Package backend is the wire client for the application backend's auth
// endpoints: provider-token exchange, access-token refresh and current-user
// lookup.
//
// The package only speaks the protocol. Storing what it returns is the
// caller's job.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 1 << 20

var (
	ErrRequest  = errors.New("backend request failed")
	ErrResponse = errors.New("invalid backend response")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRequest }

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// User is the backend's authoritative user record.
type User struct {
	ID            int64  `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// TokenPair is the backend's own credential pair.
type TokenPair struct {
	Access  string
	Refresh string
}

type ExchangeRequest struct {
	ProviderToken string `json:"provider_token"`
}

type ExchangeResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    User   `json:"user"`
}

type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse carries a new access token. Refresh is set only by
// backends that rotate refresh tokens.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// ExchangeResult is a validated exchange response.
type ExchangeResult struct {
	Pair TokenPair
	User User
}

// Endpoints are paths relative to the backend base URL.
type Endpoints struct {
	Exchange    string
	Refresh     string
	CurrentUser string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Exchange:    "/auth/exchange",
		Refresh:     "/auth/refresh",
		CurrentUser: "/auth/me",
	}
}

// Client calls the backend. It holds no credentials; requests that need a
// bearer token get it from the http.Client's transport.
type Client struct {
	baseURL    string
	endpoints  Endpoints
	httpClient *http.Client
}

type Option func(*Client)

func WithEndpoints(endpoints Endpoints) Option {
	return func(c *Client) {
		defaults := DefaultEndpoints()
		if endpoints.Exchange == "" {
			endpoints.Exchange = defaults.Exchange
		}
		if endpoints.Refresh == "" {
			endpoints.Refresh = defaults.Refresh
		}
		if endpoints.CurrentUser == "" {
			endpoints.CurrentUser = defaults.CurrentUser
		}
		c.endpoints = endpoints
	}
}

func New(
	baseURL string,
	httpClient *http.Client,
	opts ...Option,
) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		endpoints:  DefaultEndpoints(),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient returns a copy of c that sends through httpClient.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	clone := *c
	clone.httpClient = httpClient
	return &clone
}

// URL resolves path against the backend base URL.
func (c *Client) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) Endpoints() Endpoints { return c.endpoints }

// Exchange trades a provider access token for a backend token pair.
func (c *Client) Exchange(
	ctx context.Context,
	providerToken string,
) (
	*ExchangeResult,
	error,
) {
	var res ExchangeResponse
	if err := c.postJSON(ctx, c.endpoints.Exchange, ExchangeRequest{ProviderToken: providerToken}, &res); err != nil {
		return nil, err
	}
	if res.Access == "" || res.Refresh == "" {
		return nil, fmt.Errorf("%w: exchange response missing token", ErrResponse)
	}
	if res.User.ID == 0 {
		return nil, fmt.Errorf("%w: exchange response missing user id", ErrResponse)
	}
	return &ExchangeResult{
		Pair: TokenPair{Access: res.Access, Refresh: res.Refresh},
		User: res.User,
	}, nil
}

// Refresh mints a new access token from a refresh token.
func (c *Client) Refresh(
	ctx context.Context,
	refreshToken string,
) (
	*RefreshResponse,
	error,
) {
	var res RefreshResponse
	if err := c.postJSON(ctx, c.endpoints.Refresh, RefreshRequest{Refresh: refreshToken}, &res); err != nil {
		return nil, err
	}
	if res.Access == "" {
		return nil, fmt.Errorf("%w: refresh response missing access token", ErrResponse)
	}
	return &res, nil
}

// CurrentUser fetches the user the request's bearer token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(c.endpoints.CurrentUser), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	req.Header.Set("Accept", "application/json")

	var user User
	if err := c.do(req, c.endpoints.CurrentUser, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: user record missing id", ErrResponse)
	}
	return &user, nil
}

func (c *Client) postJSON(
	ctx context.Context,
	endpoint string,
	body any,
	response any,
) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(endpoint), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, endpoint, response)
}

func (c *Client) do(
	req *http.Request,
	endpoint string,
	response any,
) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %w", ErrRequest, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if err := json.Unmarshal(body, response); err != nil {
		return fmt.Errorf("%w: %v", ErrResponse, err)
	}
	return nil
}
