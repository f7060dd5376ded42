// metrics.go
package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "board_realtime"

// Metrics holds the collectors the realtime server updates.
type Metrics struct {
	Connections  prometheus.Gauge
	ChannelJoins prometheus.Gauge
	Published    *prometheus.CounterVec
	Delivered    prometheus.Counter
	Skipped      *prometheus.CounterVec
	CacheLookups *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of live websocket connections.",
		}),
		ChannelJoins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channel_joins",
			Help:      "Number of (connection, channel) memberships.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "Change events accepted by the broadcaster.",
		}, []string{"resource"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_delivered_total",
			Help:      "Change frames queued to connections.",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_skipped_total",
			Help:      "Change frames withheld from a subscribed connection.",
		}, []string{"reason"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "access_cache_lookups_total",
			Help:      "Access cache lookups by table and result.",
		}, []string{"table", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.ChannelJoins, m.Published, m.Delivered, m.Skipped, m.CacheLookups)
	}
	return m
}
