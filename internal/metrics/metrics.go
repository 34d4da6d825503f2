// Package metrics exposes relay counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery paths.
const (
	PathLive     = "live"
	PathBackfill = "backfill"
	PathSweep    = "sweep"
)

type Metrics struct {
	Registry *prometheus.Registry

	Persisted      *prometheus.CounterVec
	Delivered      *prometheus.CounterVec
	Queued         prometheus.Counter
	Dropped        prometheus.Counter
	StoreErrors    *prometheus.CounterVec
	SignalsForward *prometheus.CounterVec
	SessionsActive prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ume_messages_persisted_total",
			Help: "Messages appended to the store, by kind.",
		}, []string{"kind"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ume_messages_delivered_total",
			Help: "Messages pushed and marked delivered, by path.",
		}, []string{"path"}),
		Queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ume_messages_queued_total",
			Help: "Messages persisted but left for backfill.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ume_messages_dropped_total",
			Help: "Invalid messages discarded before persistence.",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ume_store_errors_total",
			Help: "Store failures, by operation.",
		}, []string{"op"}),
		SignalsForward: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ume_signals_forwarded_total",
			Help: "Live-only events forwarded to an online peer, by type.",
		}, []string{"type"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ume_sessions_active",
			Help: "Open websocket sessions.",
		}),
	}
	m.Registry.MustRegister(
		m.Persisted,
		m.Delivered,
		m.Queued,
		m.Dropped,
		m.StoreErrors,
		m.SignalsForward,
		m.SessionsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
