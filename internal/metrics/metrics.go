// Package metrics exposes Prometheus collectors for the playback controller
// and the surface adapter. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters, gauges and histograms for one player.
type Metrics struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	gatesOpened    prometheus.Counter
	choices        *prometheus.CounterVec
	attaches       *prometheus.CounterVec
	attachSeconds  prometheus.Histogram
	engineRetries  *prometheus.CounterVec
	errors         *prometheus.CounterVec
	activeBlackout prometheus.Gauge
	requests       *prometheus.CounterVec
}

// New creates and registers the player metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackout_transitions_total",
			Help: "Controller state transitions by target state and rendition",
		}, []string{"state", "rendition"}),
		gatesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blackout_gates_opened_total",
			Help: "Number of times playback paused for a blackout decision",
		}),
		choices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackout_choices_total",
			Help: "Resolved blackout gates by decision and origin",
		}, []string{"decision", "origin"}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackout_attaches_total",
			Help: "Surface attachments by rendition and result",
		}, []string{"rendition", "result"}),
		attachSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blackout_attach_duration_seconds",
			Help:    "Time from attach request until the engine is ready to play",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		engineRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackout_engine_retries_total",
			Help: "Engine errors recovered internally by the adapter",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackout_errors_total",
			Help: "Errors surfaced to the caller by kind",
		}, []string{"kind"}),
		activeBlackout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blackout_active_segments",
			Help: "Blackout segments still requiring a decision in this session",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackout_http_requests_total",
			Help: "Remote control HTTP requests by route and status class",
		}, []string{"route", "status"}),
	}

	registry.MustRegister(
		m.transitions,
		m.gatesOpened,
		m.choices,
		m.attaches,
		m.attachSeconds,
		m.engineRetries,
		m.errors,
		m.activeBlackout,
		m.requests,
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTransition counts a transition into state with the given rendition.
func (m *Metrics) ObserveTransition(state, rendition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state, rendition).Inc()
}

// IncGatesOpened counts a new blackout gate.
func (m *Metrics) IncGatesOpened() {
	if m == nil {
		return
	}
	m.gatesOpened.Inc()
}

// ObserveChoice counts a resolved gate. origin is "local" or "remote".
func (m *Metrics) ObserveChoice(decision, origin string) {
	if m == nil {
		return
	}
	m.choices.WithLabelValues(decision, origin).Inc()
}

// ObserveAttach records an attach attempt and its latency.
func (m *Metrics) ObserveAttach(rendition string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.attaches.WithLabelValues(rendition, result).Inc()
	m.attachSeconds.Observe(d.Seconds())
}

// IncEngineRetry counts an internally recovered engine error.
func (m *Metrics) IncEngineRetry(kind string) {
	if m == nil {
		return
	}
	m.engineRetries.WithLabelValues(kind).Inc()
}

// IncErrors counts an error surfaced to the caller.
func (m *Metrics) IncErrors(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// SetActiveBlackout sets the active blackout set size.
func (m *Metrics) SetActiveBlackout(n int) {
	if m == nil {
		return
	}
	m.activeBlackout.Set(float64(n))
}

// IncRequests counts a remote control request.
func (m *Metrics) IncRequests(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
