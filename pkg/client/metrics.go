package client

import "time"

// Outcome labels the result of an exchange or refresh.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
	OutcomeLate     Outcome = "late"
)

// Metrics receives counters from the session subsystem.
type Metrics interface {
	ExchangeFinished(outcome Outcome, elapsed time.Duration)
	LazyExchangeFinished(outcome Outcome)
	RefreshFinished(outcome Outcome)
	SessionLost()
	RequestFinished(status int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ExchangeFinished(Outcome, time.Duration) {}
func (NopMetrics) LazyExchangeFinished(Outcome)            {}
func (NopMetrics) RefreshFinished(Outcome)                 {}
func (NopMetrics) SessionLost()                            {}
func (NopMetrics) RequestFinished(int)                     {}

var _ Metrics = NopMetrics{}
