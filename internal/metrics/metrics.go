// Package metrics provides Prometheus instrumentation for the relay server.
// It exposes gauges for connection and session counts, counters for message
// throughput and failures, and a histogram for broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of registered relay connections",
	})

	// SessionsActive tracks the current number of sessions with members.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of sessions with at least one live connection",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "relayed", "replayed", "rejected", or "bridged".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// AppendFailures counts message store append errors. Delivery proceeds
	// when an append fails, so this is the only trace of lost durability.
	AppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_store_append_failures_total",
		Help: "Total number of failed message store appends",
	})

	// BroadcastLatency records fan-out delivery latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_latency_seconds",
		Help:    "Latency of fanning one message out to session members",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// ValidationFailures counts join requests rejected before registration.
	ValidationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_validation_failures_total",
		Help: "Total number of join requests rejected by identifier validation",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		SessionsActive,
		MessagesTotal,
		AppendFailures,
		BroadcastLatency,
		ValidationFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
