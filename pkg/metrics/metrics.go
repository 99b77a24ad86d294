// Package metrics exposes Prometheus collectors for a monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cribcall"

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Pairing outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeRejected  = "rejected"
	OutcomeExpired   = "expired"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors of one monitor on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive        prometheus.Gauge
	FramesTotal              *prometheus.CounterVec
	PairingSessionsTotal     *prometheus.CounterVec
	NoiseSubscriptionsActive prometheus.Gauge
	NoiseEventsTotal         prometheus.Counter
	RevocationsTotal         prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open control connections.",
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Control frames by direction.",
		}, []string{"direction"}),
		PairingSessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_sessions_total",
			Help:      "Finished PIN pairing sessions by outcome.",
		}, []string{"outcome"}),
		NoiseSubscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "noise_subscriptions_active",
			Help:      "Noise subscriptions with an unexpired lease.",
		}),
		NoiseEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noise_events_total",
			Help:      "Noise events published.",
		}),
		RevocationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Trusted peers removed.",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Frame counts one frame in direction dir.
func (m *Metrics) Frame(dir string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(dir).Inc()
}

// PairingOutcome counts one finished pairing session.
func (m *Metrics) PairingOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PairingSessionsTotal.WithLabelValues(outcome).Inc()
}

// SetConnections records the number of open control connections.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

// SetSubscriptions records the number of active noise subscriptions.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.NoiseSubscriptionsActive.Set(float64(n))
}

// NoiseEvent counts one published noise event.
func (m *Metrics) NoiseEvent() {
	if m == nil {
		return
	}
	m.NoiseEventsTotal.Inc()
}

// Revocation counts one removed peer.
func (m *Metrics) Revocation() {
	if m == nil {
		return
	}
	m.RevocationsTotal.Inc()
}
