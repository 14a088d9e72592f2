// Package metrics holds the Prometheus collectors shared by the realtime link components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "provlink"

var (
	// ConnectionState is 1 for the current realtime state label and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Current realtime connection state",
		},
		[]string{"state"},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connect_attempts_total",
			Help:      "Total number of realtime connect attempts by result",
		},
		[]string{"result"}, // result: opened, no_token, unresolved, dial_error
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of reconnect timers scheduled",
		},
	)

	ReconnectsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "reconnects_exhausted_total",
			Help:      "Total number of times the reconnect policy gave up",
		},
	)

	HeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "heartbeat_failures_total",
			Help:      "Total number of heartbeat frames that could not be written",
		},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Total number of inbound events by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: dispatched, duplicate, unknown, malformed
	)

	SendsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "sends_dropped_total",
			Help:      "Total number of outbound frames dropped because the socket was not open",
		},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "handler_panics_total",
			Help:      "Total number of subscriber panics recovered during dispatch",
		},
		[]string{"kind"},
	)

	PresenceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "presence",
			Name:      "calls_total",
			Help:      "Total number of presence REST calls by action and result",
		},
		[]string{"action", "result"}, // action: connect, disconnect; result: ok, error, skipped
	)

	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "resolver",
			Name:      "health_checks_total",
			Help:      "Total number of origin health checks by strategy and result",
		},
		[]string{"strategy", "result"}, // result: ok, error, deferred
	)

	ScriptErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "normalize",
			Name:      "script_errors_total",
			Help:      "Total number of normalizer script failures",
		},
		[]string{"kind"},
	)
)

// SetConnectionState marks state as the only active state label
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}
