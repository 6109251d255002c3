package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Clients       prometheus.Gauge
	Subscriptions prometheus.Gauge
	Frames        *prometheus.CounterVec
	RateLimited   prometheus.Counter
	SlowClients   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics registers the relay collectors on reg. A nil reg gets a fresh
// private registry, which keeps parallel hubs in tests independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "breathsync_relay_clients",
			Help: "Connected websocket clients",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "breathsync_relay_subscriptions",
			Help: "Active path subscriptions across all clients",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breathsync_relay_frames_total",
			Help: "Frames received from clients by op",
		}, []string{"op"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "breathsync_relay_rate_limited_total",
			Help: "Frames rejected by the per-connection limiter",
		}),
		SlowClients: f.NewCounter(prometheus.CounterOpts{
			Name: "breathsync_relay_slow_clients_total",
			Help: "Clients disconnected because their send buffer filled",
		}),
		registry: reg,
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
