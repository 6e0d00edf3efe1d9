package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/identity"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultExchangeTimeout bounds how long sign-in waits for the backend
// before continuing with a degraded session.
const DefaultExchangeTimeout = 8 * time.Second

// Exchanger converts provider sessions into backend token pairs.
type Exchanger struct {
	backend *backend.Client
	vault   *Vault
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	// exchanged runs after a pair lands outside a caller's wait: a late
	// exchange or a lazy one.
	exchanged func()
}

type exchangeOutcome struct {
	result *backend.ExchangeResult
	err    error
}

// exchangeAttempt orders the background exchange's write against the
// fallback's write. Whichever takes the lock second sees what the first did.
type exchangeAttempt struct {
	mu        sync.Mutex
	committed bool
	abandoned bool
}

// Exchange trades the session's provider token for a backend pair and
// stores it, removing any pending provider token.
func (x *Exchanger) Exchange(
	ctx context.Context,
	session *identity.Session,
) (
	*backend.ExchangeResult,
	error,
) {
	if session == nil || session.AccessToken == "" {
		return nil, identity.ErrNoSession
	}
	epoch := x.vault.Epoch()
	result, err := x.call(ctx, "tokenbridge.exchange", session.AccessToken)
	if err != nil {
		return nil, backendError(err)
	}
	if err := x.vault.storePair(ctx, result.Pair, &result.User, epoch); err != nil {
		return nil, err
	}
	return result, nil
}

// ExchangeOrFallback races an exchange against the exchange timeout. If the
// backend loses, the provider token is kept as pending and a degraded
// identity is returned instead. It never fails.
//
// The exchange is not cancelled when it loses. If it completes later its
// pair replaces the degraded state. A nil session yields a nil identity.
func (x *Exchanger) ExchangeOrFallback(
	ctx context.Context,
	session *identity.Session,
) *Identity {
	if session == nil || session.AccessToken == "" {
		x.logger.Warn("no provider session to exchange")
		return nil
	}
	start := time.Now()
	epoch := x.vault.Epoch()
	attempt := &exchangeAttempt{}
	done := make(chan exchangeOutcome, 1)

	go func() {
		bg := context.WithoutCancel(ctx)
		result, err := x.call(bg, "tokenbridge.exchange", session.AccessToken)
		if err == nil {
			attempt.mu.Lock()
			err = x.vault.storePair(bg, result.Pair, &result.User, epoch)
			attempt.committed = err == nil
			late := attempt.abandoned
			attempt.mu.Unlock()

			if late && err == nil {
				x.metrics.ExchangeFinished(OutcomeLate, time.Since(start))
				x.logger.Info("late exchange replaced degraded session",
					slog.Duration("elapsed", time.Since(start)),
				)
				x.notifyExchanged()
			}
		}
		done <- exchangeOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(x.timeout)
	defer timer.Stop()

	var cause error
	select {
	case out := <-done:
		if out.err == nil {
			x.metrics.ExchangeFinished(OutcomeSuccess, time.Since(start))
			return identityFromBackend(out.result.User)
		}
		cause = out.err
	case <-timer.C:
		cause = context.DeadlineExceeded
	case <-ctx.Done():
		cause = ctx.Err()
	}
	return x.fallback(ctx, session, attempt, done, epoch, cause, start)
}

func (x *Exchanger) fallback(
	ctx context.Context,
	session *identity.Session,
	attempt *exchangeAttempt,
	done <-chan exchangeOutcome,
	epoch uint64,
	cause error,
	start time.Time,
) *Identity {
	attempt.mu.Lock()
	defer attempt.mu.Unlock()

	// the exchange finished between the timer firing and here
	if attempt.committed {
		out := <-done
		x.metrics.ExchangeFinished(OutcomeSuccess, time.Since(start))
		return identityFromBackend(out.result.User)
	}
	attempt.abandoned = true

	outcome := OutcomeFailure
	if isTimeout(cause) {
		outcome = OutcomeTimeout
	}
	x.metrics.ExchangeFinished(outcome, time.Since(start))

	err := x.vault.storeDegraded(context.WithoutCancel(ctx), session.AccessToken, epoch)
	if err != nil && !errors.Is(err, errStale) {
		x.logger.Error("failed to store pending provider token", slog.String("error", err.Error()))
	}
	x.logger.Warn("backend exchange unavailable, continuing degraded",
		slog.String("outcome", string(outcome)),
		slog.String("error", cause.Error()),
	)
	return degradedIdentity(session)
}

// exchangePending is the transport's lazy exchange: one direct attempt with
// no timeout race and no fallback. epoch is the one providerToken was read
// at.
func (x *Exchanger) exchangePending(
	ctx context.Context,
	providerToken string,
	epoch uint64,
) (
	*backend.ExchangeResult,
	error,
) {
	result, err := x.call(ctx, "tokenbridge.lazy_exchange", providerToken)
	if err != nil {
		x.metrics.LazyExchangeFinished(OutcomeFailure)
		return nil, backendError(err)
	}
	if err := x.vault.storePair(ctx, result.Pair, &result.User, epoch); err != nil {
		x.metrics.LazyExchangeFinished(OutcomeFailure)
		return nil, err
	}
	x.metrics.LazyExchangeFinished(OutcomeSuccess)
	x.notifyExchanged()
	return result, nil
}

func (x *Exchanger) notifyExchanged() {
	if x.exchanged != nil {
		x.exchanged()
	}
}

func (x *Exchanger) call(
	ctx context.Context,
	spanName string,
	providerToken string,
) (
	*backend.ExchangeResult,
	error,
) {
	ctx, span := x.tracer.Start(ctx, spanName)
	defer span.End()

	result, err := x.backend.Exchange(ctx, providerToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		return nil, err
	}
	return result, nil
}

// backendError classifies a backend client failure. Responses, even error
// responses, pass through; failures to get one become BackendUnavailable.
func backendError(err error) error {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) || errors.Is(err, backend.ErrResponse) {
		return err
	}
	return unavailable(err)
}
