package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/internal/metrics"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/client"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// PathSession reports the proxy's session snapshot.
	PathSession = "/_tokenbridge/session"

	maxReplayBody   = 10 << 20
	shutdownTimeout = 5 * time.Second
)

func (a *app) proxy(ctx context.Context, args []string) error {
	fs := newFlagSet("proxy")
	addr := fs.String("addr", a.cfg.ProxyAddr, "listen address")
	metricsAddr := fs.String("metrics-addr", a.cfg.MetricsAddr, "serve /metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	session := a.client.Session()
	snap := session.Start(ctx)
	a.logger.Info("session recovered", slog.String("state", string(snap.State)))

	// without a dedicated address /metrics is served alongside the proxy
	var gatherer prometheus.Gatherer
	if *metricsAddr == "" {
		gatherer = a.registry
	}
	handler, err := newProxyHandler(a.client, a.cfg.BackendURL, gatherer, a.logger)
	if err != nil {
		return err
	}
	servers := []*http.Server{{Addr: *addr, Handler: handler}}
	if *metricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:    *metricsAddr,
			Handler: metrics.SetupMetricsRoute(a.registry),
		})
	}
	return serve(ctx, a.logger, servers...)
}

// newProxyHandler forwards every request to backendURL through the
// client's authorizing transport. A non-nil gatherer is served on /metrics.
func newProxyHandler(
	c *client.Client,
	backendURL string,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) (
	http.Handler,
	error,
) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
		},
		Transport: c.Transport(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := proxyStatus(err)
			logger.Warn("proxy request failed",
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.String("error", err.Error()),
			)
			writeProxyError(w, status, err)
		},
	}

	r := mux.NewRouter()
	r.HandleFunc(PathSession, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Session().Snapshot())
	}).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer)).Methods(http.MethodGet)
	}
	r.PathPrefix("/").Handler(bufferBody(proxy))
	return r, nil
}

// bufferBody makes request bodies replayable so a request can be resent
// after a token refresh.
func bufferBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
		r.Body.Close()
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxReplayBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}

func proxyStatus(err error) int {
	switch client.KindOf(err) {
	case client.KindSessionLost, client.KindTokenExpired:
		return http.StatusUnauthorized
	case client.KindBackendUnavailable:
		var authErr *client.Error
		if errors.As(err, &authErr) && authErr.Message == client.MessageTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		if errors.Is(err, context.Canceled) {
			return 499
		}
		return http.StatusBadGateway
	}
}

func writeProxyError(w http.ResponseWriter, status int, err error) {
	kind := client.KindOf(err)
	if kind == "" {
		kind = client.KindBackendUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": describeMessage(err),
	})
}

func describeMessage(err error) string {
	var authErr *client.Error
	if errors.As(err, &authErr) {
		return authErr.Error()
	}
	return client.MessageUnreachable
}

// serve runs servers until ctx ends, then shuts them down.
func serve(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	serverErr := make(chan error, len(servers))
	for _, server := range servers {
		go func() {
			logger.Info("listening", slog.String("addr", server.Addr))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var err error
	select {
	case err = <-serverErr:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}
