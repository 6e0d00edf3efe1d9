package client

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
	"go.opentelemetry.io/otel"
)

const tracerName = "git.sr.ht/~jakintosh/tokenbridge/pkg/client"

var (
	ErrNoStore    = errors.New("credential store required")
	ErrNoProvider = errors.New("identity provider required")
	ErrNoBackend  = errors.New("backend url required")
)

// Config wires a Client. Store, Provider and BackendURL are required.
type Config struct {
	Store           credstore.Store
	Provider        identity.Provider
	BackendURL      string
	Endpoints       backend.Endpoints
	HTTPClient      *http.Client
	ExchangeTimeout time.Duration
	RefreshPolicy   RefreshPolicy
	Logger          *slog.Logger
	Metrics         Metrics
}

// Client owns one user's session: its credentials, the transport that
// spends them and the controller that tracks them.
type Client struct {
	vault      *Vault
	exchanger  *Exchanger
	transport  *Transport
	controller *Controller
	api        *backend.Client
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.BackendURL == "" {
		return nil, ErrNoBackend
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.RefreshPolicy == "" {
		cfg.RefreshPolicy = RefreshIndependent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	base := cfg.HTTPClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	tracer := otel.Tracer(tracerName)

	// exchange and refresh go around the authenticating transport
	unauthenticated := backend.New(cfg.BackendURL, cfg.HTTPClient, backend.WithEndpoints(cfg.Endpoints))

	vault := NewVault(cfg.Store)
	exchanger := &Exchanger{
		backend: unauthenticated,
		vault:   vault,
		timeout: cfg.ExchangeTimeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  tracer,
	}
	transport := &Transport{
		base:      base,
		vault:     vault,
		exchanger: exchanger,
		refresher: unauthenticated,
		policy:    cfg.RefreshPolicy,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    tracer,
	}

	httpClient := *cfg.HTTPClient
	httpClient.Transport = transport
	api := unauthenticated.WithHTTPClient(&httpClient)

	controller := newController(cfg.Provider, exchanger, vault, api, cfg.Logger)
	exchanger.exchanged = func() { controller.reconcile() }

	return &Client{
		vault:      vault,
		exchanger:  exchanger,
		transport:  transport,
		controller: controller,
		api:        api,
		httpClient: &httpClient,
	}, nil
}

// HTTPClient returns a client whose requests carry the session's bearer
// token and recover from expired access tokens.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Session returns the session controller.
func (c *Client) Session() *Controller { return c.controller }

func (c *Client) Exchanger() *Exchanger { return c.exchanger }

func (c *Client) Vault() *Vault { return c.vault }

func (c *Client) Transport() *Transport { return c.transport }

// Backend returns a backend client that authenticates through Transport.
func (c *Client) Backend() *backend.Client { return c.api }
