// Package metrics exposes session subsystem counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements client.Metrics on Prometheus counters.
type Collector struct {
	exchanges        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	lazyExchanges    *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	sessionsLost     prometheus.Counter
	requests         *prometheus.CounterVec
}

var _ client.Metrics = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenbridge_exchange_total",
			Help: "Sign-in token exchanges by outcome.",
		}, []string{"outcome"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenbridge_exchange_duration_seconds",
			Help:    "Time until a sign-in exchange resolved or fell back.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16},
		}),
		lazyExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenbridge_lazy_exchange_total",
			Help: "Exchanges attempted on a request from degraded mode, by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenbridge_refresh_total",
			Help: "Access token refreshes by outcome.",
		}, []string{"outcome"}),
		sessionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenbridge_session_lost_total",
			Help: "Sessions ended because the backend rejected the refresh token.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenbridge_requests_total",
			Help: "Authorized requests by final HTTP status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.exchanges,
		c.exchangeDuration,
		c.lazyExchanges,
		c.refreshes,
		c.sessionsLost,
		c.requests,
	)

	return c
}

func (c *Collector) ExchangeFinished(outcome client.Outcome, elapsed time.Duration) {
	c.exchanges.WithLabelValues(string(outcome)).Inc()
	if outcome != client.OutcomeLate {
		c.exchangeDuration.Observe(elapsed.Seconds())
	}
}

func (c *Collector) LazyExchangeFinished(outcome client.Outcome) {
	c.lazyExchanges.WithLabelValues(string(outcome)).Inc()
}

func (c *Collector) RefreshFinished(outcome client.Outcome) {
	c.refreshes.WithLabelValues(string(outcome)).Inc()
}

func (c *Collector) SessionLost() {
	c.sessionsLost.Inc()
}

// RequestFinished records the final status. Zero means the request
// never produced a response.
func (c *Collector) RequestFinished(status int) {
	label := strconv.Itoa(status)
	if status == 0 {
		label = "error"
	}
	c.requests.WithLabelValues(label).Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute returns a mux serving /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
