package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"messenger/session"
)

const metricsNamespace = "messenger"

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Pushes            *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh
// private registry, which keeps independent servers (and tests) apart.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open client connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests handled, by action and response status.",
		}, []string{"action", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		Pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pushes_total",
			Help:      "Live message deliveries, by result (delivered, failed, offline).",
		}, []string{"result"}),
	}
}

func (m *Metrics) observe(action, status string, d time.Duration) {
	m.Requests.WithLabelValues(action, status).Inc()
	if d > 0 {
		m.RequestDuration.WithLabelValues(action).Observe(d.Seconds())
	}
}

// watchSessions exports the registry size as a gauge. Only the first
// registry watched by a Metrics is exported.
func (m *Metrics) watchSessions(r *session.Registry) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_online",
		Help:      "Users currently bound to a connection.",
	}, func() float64 { return float64(r.Len()) })

	m.Registry.Register(gauge)
}
