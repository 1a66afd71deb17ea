package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the reason label of ReportsDropped
const (
	DropDecode    = "decode"
	DropUnknown   = "unknown_host"
	DropNoGroup   = "unknown_group"
	DropDisabled  = "disabled"
	DropCancelled = "cancelled"
)

// Metrics holds the Prometheus collectors of the engine and its HTTP surface
type Metrics struct {
	Reports         prometheus.Counter
	ReportsDropped  *prometheus.CounterVec
	Hosts           *prometheus.GaugeVec
	Events          *prometheus.CounterVec
	SinkFailures    *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	SnapshotSaves   *prometheus.CounterVec
	OutdatedAgents  prometheus.Counter
	WebsocketClient prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetstat_reports_total",
			Help: "Number of reports accepted for processing",
		}),
		ReportsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstat_reports_dropped_total",
			Help: "Number of reports dropped, by reason",
		}, []string{"reason"}),
		Hosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetstat_hosts",
			Help: "Number of hosts in the last snapshot, by state",
		}, []string{"state"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstat_events_total",
			Help: "Number of notification events emitted, by event",
		}, []string{"event"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstat_sink_failures_total",
			Help: "Number of failed sink deliveries, by sink",
		}, []string{"sink"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetstat_tick_duration_seconds",
			Help:    "Aggregator tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetstat_snapshot_saves_total",
			Help: "Number of snapshot writes, by result",
		}, []string{"result"}),
		OutdatedAgents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetstat_outdated_agent_reports_total",
			Help: "Number of reports from agents older than the configured minimum",
		}),
		WebsocketClient: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetstat_ws_clients",
			Help: "Number of connected websocket subscribers",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Reports,
		m.ReportsDropped,
		m.Hosts,
		m.Events,
		m.SinkFailures,
		m.TickDuration,
		m.SnapshotSaves,
		m.OutdatedAgents,
		m.WebsocketClient,
	}
}

// Unregister removes the collectors from reg
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
