package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"git.sr.ht/~jakintosh/tokenbridge/internal/config"
	"git.sr.ht/~jakintosh/tokenbridge/internal/logging"
	"git.sr.ht/~jakintosh/tokenbridge/internal/metrics"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/client"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
	"github.com/prometheus/client_golang/prometheus"
)

const usage = `usage: tokenbridge <command> [flags]

commands:
  signin          sign in with email and password
  signup          create an account
  signout         end the session and clear stored credentials
  oauth-url       print the third-party sign-in URL
  oauth-complete  finish a third-party sign-in with the redirect code
  whoami          print the current session
  refresh-user    re-read the user from the backend
  get <path>      send an authorized GET to the backend
  proxy           serve an authorizing reverse proxy to the backend

configuration is read from TOKENBRIDGE_* environment variables
`

// app is everything a command needs.
type app struct {
	cfg      config.Config
	client   *client.Client
	store    credstore.Store
	registry *prometheus.Registry
	logger   *slog.Logger
	out      io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := logging.SetupDefault(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, os.Stdout)
	if err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.store.Close()

	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

func newApp(cfg config.Config, logger *slog.Logger, out io.Writer) (*app, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	policy, _ := cfg.Policy()
	registry := prometheus.NewRegistry()
	httpClient := &http.Client{}

	provider := identity.NewGoTrue(
		cfg.ProviderURL,
		cfg.ProviderAPIKey,
		store,
		identity.WithHTTPClient(httpClient),
		identity.WithLogger(logger),
	)
	c, err := client.New(client.Config{
		Store:           store,
		Provider:        provider,
		BackendURL:      cfg.BackendURL,
		Endpoints:       cfg.Endpoints(),
		HTTPClient:      httpClient,
		ExchangeTimeout: cfg.ExchangeTimeout,
		RefreshPolicy:   policy,
		Logger:          logger,
		Metrics:         metrics.NewCollector(registry),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{
		cfg:      cfg,
		client:   c,
		store:    store,
		registry: registry,
		logger:   logger,
		out:      out,
	}, nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "signin":
		return a.signIn(ctx, args)
	case "signup":
		return a.signUp(ctx, args)
	case "signout":
		return a.signOut(ctx)
	case "oauth-url":
		return a.oauthURL(ctx, args)
	case "oauth-complete":
		return a.oauthComplete(ctx, args)
	case "whoami":
		return a.whoami(ctx)
	case "refresh-user":
		return a.refreshUser(ctx)
	case "get":
		return a.get(ctx, args)
	case "proxy":
		return a.proxy(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) printJSON(v any) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// describe renders err for a terminal, preferring the user-facing message.
func describe(err error) string {
	var authErr *client.Error
	if errors.As(err, &authErr) {
		if authErr.Field != "" {
			return fmt.Sprintf("%s (%s): %s", authErr.Kind, authErr.Field, authErr.Message)
		}
		return fmt.Sprintf("%s: %s", authErr.Kind, authErr.Error())
	}
	return err.Error()
}
