package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/authtest"
)

// Config holds all command-line configuration
type Config struct {
	ListenHost     string
	APIKey         string
	Users          []UserCredentials
	Delay          time.Duration
	Down           bool
	RejectRefresh  bool
	RotateRefresh  bool
	AccessLifetime time.Duration
	Confirmation   bool
	Quiet          bool
}

// UserCredentials holds an email and password
type UserCredentials struct {
	Email    string
	Password string
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BackendURL  string       `json:"backend_url"`
	ProviderURL string       `json:"provider_url"`
	APIKey      string       `json:"api_key,omitempty"`
	Paths       OutputPaths  `json:"paths"`
	Users       []OutputUser `json:"users"`
}

type OutputPaths struct {
	Exchange    string `json:"exchange"`
	Refresh     string `json:"refresh"`
	CurrentUser string `json:"current_user"`
	Data        string `json:"data"`
	Echo        string `json:"echo"`
}

type OutputUser struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserFlag is a custom flag type for repeatable --user flags
type UserFlag []UserCredentials

func (u *UserFlag) String() string {
	return fmt.Sprintf("%v", *u)
}

func (u *UserFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("user must be in format 'email:password'")
	}
	*u = append(*u, UserCredentials{Email: parts[0], Password: parts[1]})
	return nil
}

func main() {
	cfg := parseFlags()

	if cfg.Quiet {
		log.SetOutput(io.Discard)
	}

	// Identity provider
	providerOpts := []authtest.ProviderOption{}
	if cfg.APIKey != "" {
		providerOpts = append(providerOpts, authtest.WithAPIKey(cfg.APIKey))
	}
	provider, err := authtest.NewProvider(providerOpts...)
	if err != nil {
		log.Fatalf("failed to create provider: %v\n", err)
	}
	provider.SetRequireConfirmation(cfg.Confirmation)
	if err := seedUsers(provider, cfg.Users); err != nil {
		log.Fatalf("failed to seed users: %v\n", err)
	}

	// Application backend trusting the provider
	backendOpts := []authtest.BackendOption{}
	if cfg.AccessLifetime > 0 {
		backendOpts = append(backendOpts, authtest.WithAccessLifetime(cfg.AccessLifetime))
	}
	if cfg.RotateRefresh {
		backendOpts = append(backendOpts, authtest.WithRefreshRotation())
	}
	backend, err := authtest.NewBackend(provider, backendOpts...)
	if err != nil {
		log.Fatalf("failed to create backend: %v\n", err)
	}
	backend.SetDelay(cfg.Delay)
	backend.SetDown(cfg.Down)
	backend.SetRejectRefresh(cfg.RejectRefresh)

	providerListener, providerURL := listen(cfg.ListenHost)
	defer providerListener.Close()
	backendListener, backendURL := listen(cfg.ListenHost)
	defer backendListener.Close()

	endpoints := backend.Endpoints()
	contract := OutputContract{
		BackendURL:  backendURL,
		ProviderURL: providerURL,
		APIKey:      cfg.APIKey,
		Paths: OutputPaths{
			Exchange:    endpoints.Exchange,
			Refresh:     endpoints.Refresh,
			CurrentUser: endpoints.CurrentUser,
			Data:        authtest.PathData,
			Echo:        authtest.PathEcho,
		},
		Users: make([]OutputUser, len(cfg.Users)),
	}
	for i, user := range cfg.Users {
		contract.Users[i] = OutputUser{Email: user.Email, Password: user.Password}
	}

	encoder := json.NewEncoder(os.Stdout)
	if err := encoder.Encode(contract); err != nil {
		log.Fatalf("failed to encode JSON contract: %v\n", err)
	}

	serverErr := make(chan error, 2)
	go func() {
		serverErr <- http.Serve(providerListener, provider.Router())
	}()
	go func() {
		serverErr <- http.Serve(backendListener, backend.Router())
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalf("server error: %v\n", err)
	case sig := <-sigChan:
		log.Printf("received signal %v, shutting down\n", sig)
	}
}

func parseFlags() Config {
	var cfg Config
	var users UserFlag

	flag.StringVar(&cfg.ListenHost, "host", "127.0.0.1", "Host to bind both servers to (ports are ephemeral)")
	flag.StringVar(&cfg.APIKey, "api-key", "", "Require this apikey header on provider requests")
	flag.Var(&users, "user", "User credentials in format 'email:password' (repeatable)")
	flag.DurationVar(&cfg.Delay, "delay", 0, "Delay every backend response by this long")
	flag.BoolVar(&cfg.Down, "down", false, "Start with the backend dropping connections")
	flag.BoolVar(&cfg.RejectRefresh, "reject-refresh", false, "Reject every refresh token")
	flag.BoolVar(&cfg.RotateRefresh, "rotate-refresh", false, "Issue a new refresh token on every refresh")
	flag.DurationVar(&cfg.AccessLifetime, "access-lifetime", 0, "Backend access token lifetime (default 30m)")
	flag.BoolVar(&cfg.Confirmation, "require-confirmation", false, "Hold new sign-ups until email confirmation")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress log output")

	flag.Parse()

	if len(users) == 0 {
		cfg.Users = []UserCredentials{{Email: "test@example.test", Password: "test-password"}}
	} else {
		cfg.Users = users
	}

	return cfg
}

func listen(host string) (net.Listener, string) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		log.Fatalf("failed to listen: %v\n", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	return listener, fmt.Sprintf("http://%s", net.JoinHostPort(addr.IP.String(), fmt.Sprint(addr.Port)))
}

func seedUsers(provider *authtest.Provider, users []UserCredentials) error {
	for _, user := range users {
		if err := provider.AddUser(user.Email, user.Password, nil); err != nil {
			return fmt.Errorf("add user %s: %w", user.Email, err)
		}
	}
	return nil
}
