package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const HeaderRequestID = "X-Request-ID"

// RefreshPolicy decides how concurrent 401s share refresh work.
type RefreshPolicy string

const (
	// RefreshIndependent lets every rejected request refresh on its own.
	RefreshIndependent RefreshPolicy = "independent"
	// RefreshCoalesced shares one in-flight refresh among all requests
	// holding the same refresh token.
	RefreshCoalesced RefreshPolicy = "coalesced"
)

// Transport is an http.RoundTripper that authenticates requests to the
// backend. It attaches the stored access token, exchanges a pending provider
// token when there is no access token, and on a 401 refreshes the access
// token and replays the request once.
type Transport struct {
	base      http.RoundTripper
	vault     *Vault
	exchanger *Exchanger
	refresher *backend.Client
	policy    RefreshPolicy
	group     singleflight.Group
	logger    *slog.Logger
	metrics   Metrics
	tracer    trace.Tracer
}

type refreshed struct {
	access  string
	refresh string
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	requestID := req.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := t.logger.With(slog.String("request_id", requestID))

	access, err := t.credential(ctx, logger)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	out := req.Clone(ctx)
	out.Header.Set(HeaderRequestID, requestID)
	if access != "" {
		out.Header.Set("Authorization", "Bearer "+access)
	}

	res, err := t.send(out)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}

	// a request is retried at most once; the replay goes straight to base
	return t.refreshAndReplay(req, res, requestID, logger)
}

// credential returns the access token to attach, exchanging a pending
// provider token first if that is all there is. An empty result means the
// request goes out unauthenticated.
func (t *Transport) credential(
	ctx context.Context,
	logger *slog.Logger,
) (
	string,
	error,
) {
	access, err := t.vault.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	if access != "" {
		return access, nil
	}

	pending, epoch, err := t.vault.pendingTokenAt(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read pending provider token: %w", err)
	}
	if pending == "" {
		return "", nil
	}

	result, err := t.exchanger.exchangePending(ctx, pending, epoch)
	if err != nil {
		logger.Warn("lazy exchange failed, sending unauthenticated",
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	logger.Info("lazy exchange completed", slog.String("outcome", string(OutcomeSuccess)))
	return result.Pair.Access, nil
}

func (t *Transport) refreshAndReplay(
	req *http.Request,
	unauthorized *http.Response,
	requestID string,
	logger *slog.Logger,
) (
	*http.Response,
	error,
) {
	ctx := req.Context()

	refreshToken, epoch, err := t.vault.refreshTokenAt(ctx)
	if err != nil {
		unauthorized.Body.Close()
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	if refreshToken == "" {
		return unauthorized, nil
	}

	tokens, err := t.refresh(ctx, refreshToken)
	switch {
	case err == nil:
	case isRejection(err):
		unauthorized.Body.Close()
		clearErr := t.vault.dropPair(context.WithoutCancel(ctx), epoch)
		if clearErr != nil && !errors.Is(clearErr, errStale) {
			logger.Error("failed to clear rejected session", slog.String("error", clearErr.Error()))
		}
		t.metrics.SessionLost()
		logger.Warn("refresh rejected, session lost", slog.String("error", err.Error()))
		return nil, sessionLost(tokenExpired(err))
	default:
		unauthorized.Body.Close()
		logger.Warn("refresh failed", slog.String("error", err.Error()))
		return nil, backendError(err)
	}

	err = t.vault.storeAccess(ctx, tokens.access, tokens.refresh, epoch)
	if errors.Is(err, errStale) {
		return unauthorized, nil
	} else if err != nil {
		unauthorized.Body.Close()
		return nil, fmt.Errorf("failed to store refreshed access token: %w", err)
	}

	replay, ok := replayable(req)
	if !ok {
		logger.Info("request body not replayable, returning 401")
		return unauthorized, nil
	}
	drain(unauthorized)

	replay.Header.Set(HeaderRequestID, requestID)
	replay.Header.Set("Authorization", "Bearer "+tokens.access)
	return t.send(replay)
}

// refresh asks the backend for a new access token, sharing the call with
// concurrent callers under the coalesced policy.
func (t *Transport) refresh(
	ctx context.Context,
	refreshToken string,
) (
	refreshed,
	error,
) {
	if t.policy != RefreshCoalesced {
		return t.doRefresh(ctx, refreshToken)
	}
	result, err, _ := t.group.Do(refreshToken, func() (any, error) {
		return t.doRefresh(context.WithoutCancel(ctx), refreshToken)
	})
	if err != nil {
		return refreshed{}, err
	}
	return result.(refreshed), nil
}

func (t *Transport) doRefresh(
	ctx context.Context,
	refreshToken string,
) (
	refreshed,
	error,
) {
	ctx, span := t.tracer.Start(ctx, "tokenbridge.refresh")
	defer span.End()

	res, err := t.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		if isRejection(err) {
			t.metrics.RefreshFinished(OutcomeRejected)
		} else {
			t.metrics.RefreshFinished(OutcomeFailure)
		}
		return refreshed{}, err
	}
	t.metrics.RefreshFinished(OutcomeSuccess)
	return refreshed{access: res.Access, refresh: res.Refresh}, nil
}

func (t *Transport) send(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err != nil {
		t.metrics.RequestFinished(0)
		return nil, unavailable(err)
	}
	t.metrics.RequestFinished(res.StatusCode)
	return res, nil
}

// isRejection reports whether the backend refused the refresh token, as
// opposed to failing to answer.
func isRejection(err error) bool {
	var statusErr *backend.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func replayable(req *http.Request) (*http.Request, bool) {
	replay := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return replay, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	replay.Body = body
	return replay, true
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	res.Body.Close()
}
