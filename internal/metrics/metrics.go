// ABOUTME: Prometheus collectors for broker observability
// ABOUTME: Constructed explicitly and registered on a private registry, no globals

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so callers never need to branch on whether metrics
// are enabled.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	envelopesTotal    *prometheus.CounterVec
	broadcastsTotal   prometheus.Counter
	rateLimitDenials  prometheus.Counter
	authFailures      prometheus.Counter
	droppedEvents     prometheus.Counter
	transitionsTotal  *prometheus.CounterVec
	transitionErrors  prometheus.Counter
}

// New creates and registers the broker collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "active_sessions",
			Help:      "Number of live supervisor sessions",
		}),
		envelopesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "envelopes_total",
			Help:      "Inbound envelopes by type",
		}, []string{"type"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "broadcasts_total",
			Help:      "Conversation event broadcasts",
		}),
		rateLimitDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "rate_limit_denials_total",
			Help:      "Envelopes denied by the rate limiter",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "auth_failures_total",
			Help:      "Failed authentication attempts",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "dropped_events_total",
			Help:      "Events dropped for slow subscribers",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "transitions_total",
			Help:      "Conversation state transitions by target status",
		}, []string{"to"}),
		transitionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pluggedin",
			Subsystem: "broker",
			Name:      "transition_errors_total",
			Help:      "Rejected or failed conversation state transitions",
		}),
	}

	registry.MustRegister(
		m.activeSessions,
		m.envelopesTotal,
		m.broadcastsTotal,
		m.rateLimitDenials,
		m.authFailures,
		m.droppedEvents,
		m.transitionsTotal,
		m.transitionErrors,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetActiveSessions records the current session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// ObserveEnvelope counts an inbound envelope by type.
func (m *Metrics) ObserveEnvelope(envType string) {
	if m == nil {
		return
	}
	m.envelopesTotal.WithLabelValues(envType).Inc()
}

// ObserveBroadcast counts a conversation event broadcast.
func (m *Metrics) ObserveBroadcast() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

// ObserveRateLimitDenial counts a rate-limited envelope.
func (m *Metrics) ObserveRateLimitDenial() {
	if m == nil {
		return
	}
	m.rateLimitDenials.Inc()
}

// ObserveAuthFailure counts a failed authentication attempt.
func (m *Metrics) ObserveAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// ObserveDroppedEvent counts an event dropped for a slow subscriber.
func (m *Metrics) ObserveDroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

// ObserveTransition counts a successful state transition.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

// ObserveTransitionError counts a rejected or failed transition.
func (m *Metrics) ObserveTransitionError() {
	if m == nil {
		return
	}
	m.transitionErrors.Inc()
}
