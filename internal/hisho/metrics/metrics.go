// Package metrics holds the Prometheus collectors for Hisho. Collectors are
// registered on an injected registerer so tests can use a fresh registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/dispatch"
	"github.com/bdobrica/Hisho/internal/hisho/llm"
)

// Metrics implements the observer hooks of the router and the dispatcher.
type Metrics struct {
	Intents           *prometheus.CounterVec
	Confirmations     *prometheus.CounterVec
	ProviderRequests  *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	ActionExecutions  *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	RateLimitRejected prometheus.Counter
}

var (
	_ llm.Observer      = (*Metrics)(nil)
	_ dispatch.Observer = (*Metrics)(nil)
)

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Intents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hisho_intents_total",
				Help: "Intents dispatched, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hisho_confirmations_total",
				Help: "Confirmations resolved, by terminal status",
			},
			[]string{"status"},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hisho_provider_requests_total",
				Help: "Language model requests, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hisho_provider_latency_seconds",
				Help:    "Language model request latency in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"provider"},
		),
		ActionExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hisho_action_executions_total",
				Help: "Action executions, by kind and result (true, false or error)",
			},
			[]string{"kind", "success"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hisho_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "hisho_http_request_duration_seconds",
				Help: "HTTP request duration in seconds",
			},
			[]string{"method", "path"},
		),
		RateLimitRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hisho_rate_limited_total",
				Help: "Requests rejected by the per-user rate limit or token budget",
			},
		),
	}
}

// ObserveProvider implements llm.Observer.
func (m *Metrics) ObserveProvider(provider, outcome string, elapsed time.Duration) {
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// IntentDispatched implements dispatch.Observer.
func (m *Metrics) IntentDispatched(kind string, status dispatch.Status) {
	m.Intents.WithLabelValues(kind, string(status)).Inc()
}

// ConfirmationResolved implements dispatch.Observer.
func (m *Metrics) ConfirmationResolved(status confirmations.Status) {
	m.Confirmations.WithLabelValues(string(status)).Inc()
}

// ActionExecuted implements dispatch.Observer.
func (m *Metrics) ActionExecuted(kind string, success bool, err error) {
	result := strconv.FormatBool(success)
	if err != nil {
		result = "error"
	}
	m.ActionExecutions.WithLabelValues(kind, result).Inc()
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
