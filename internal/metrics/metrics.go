// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors
type Metrics struct {
	ActiveSubscriptions prometheus.Gauge
	EventsDelivered     *prometheus.CounterVec
	EventsUnroutable    prometheus.Counter
	SinkOverflows       prometheus.Counter
	Reconnects          prometheus.Counter
	ReconnectFailures   prometheus.Counter
	TerminalFailures    prometheus.Counter
}

// New creates and registers the bridge metrics
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "solbridge_active_subscriptions",
			Help: "Number of open logical subscriptions.",
		}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "solbridge_events_delivered_total",
			Help: "Notifications delivered to subscription sinks.",
		}, []string{"kind"}),
		EventsUnroutable: factory.NewCounter(prometheus.CounterOpts{
			Name: "solbridge_events_unroutable_total",
			Help: "Notifications dropped because no subscription matched their id.",
		}),
		SinkOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "solbridge_sink_overflows_total",
			Help: "Events dropped because a subscription sink was full.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "solbridge_reconnects_total",
			Help: "Successful upstream reconnections.",
		}),
		ReconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "solbridge_reconnect_failures_total",
			Help: "Failed upstream reconnection attempts.",
		}),
		TerminalFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "solbridge_terminal_failures_total",
			Help: "Times the reconnect budget was exhausted.",
		}),
	}
}
