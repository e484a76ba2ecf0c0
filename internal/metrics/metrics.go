// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/mcp-gateway/auth"
)

const namespace = "mcp_gateway"

// Registration outcomes.
const (
	RegistrationOK            = "ok"
	RegistrationUpstreamError = "upstream_error"
	RegistrationProxyError    = "proxy_error"
	RegistrationInvalid       = "invalid_request"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	verifications    *prometheus.CounterVec
	verifyDuration   *prometheus.HistogramVec
	keyFetches       *prometheus.CounterVec
	keyFetchDuration prometheus.Histogram
	registrations    *prometheus.CounterVec
	persists         *prometheus.CounterVec
	requests         *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry that also
// carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_verifications_total",
				Help:      "Bearer token verifications by path and result.",
			},
			[]string{"method", "result"},
		),
		verifyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "token_verification_duration_seconds",
				Help:      "Time spent verifying bearer tokens.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		keyFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jwks_fetches_total",
				Help:      "Upstream JWKS fetches by result.",
			},
			[]string{"result"},
		),
		keyFetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "jwks_fetch_duration_seconds",
				Help:      "Upstream JWKS fetch latency.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_registrations_total",
				Help:      "Dynamic client registrations proxied upstream by result.",
			},
			[]string{"result"},
		),
		persists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secret_persists_total",
				Help:      "Captured client secret write-through attempts by result.",
			},
			[]string{"result"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.verifications, m.verifyDuration,
		m.keyFetches, m.keyFetchDuration,
		m.registrations, m.persists, m.requests,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveVerification records a verification outcome. Its signature
// matches jwtauth.Observer.
func (m *Metrics) ObserveVerification(method auth.Method, kind auth.ErrorKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.verifications.WithLabelValues(string(method), result).Inc()
	m.verifyDuration.WithLabelValues(string(method)).Observe(elapsed.Seconds())
}

// ObserveKeyFetch records a JWKS fetch. Its signature matches jwks.FetchObserver.
func (m *Metrics) ObserveKeyFetch(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.keyFetches.WithLabelValues(result).Inc()
	m.keyFetchDuration.Observe(elapsed.Seconds())
}

// ObserveRegistration records a registration proxy outcome.
func (m *Metrics) ObserveRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// ObservePersist records a secret write-through. Its signature matches
// secrets.PersistObserver.
func (m *Metrics) ObservePersist(written bool, err error) {
	if m == nil {
		return
	}
	result := "exists"
	switch {
	case err != nil:
		result = "error"
	case written:
		result = "written"
	}
	m.persists.WithLabelValues(result).Inc()
}

// ObserveRequest counts a served HTTP request.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// TrackSecrets exports the current number of known client secrets.
func (m *Metrics) TrackSecrets(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_secrets",
			Help:      "Client secrets available for JWE decryption.",
		},
		func() float64 { return float64(count()) },
	))
}
