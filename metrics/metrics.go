// Package metrics exposes this subsystem's Prometheus collectors,
// adapted from the teacher's monitoring/prometheus.go promauto
// pattern and scoped to the market-data engine instead of order
// execution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksDecoded counts frames successfully decoded by mode.
	TicksDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_ticks_decoded_total",
			Help: "Total ticks decoded from the vendor stream, by mode.",
		},
		[]string{"mode"},
	)

	// DecodeErrors counts frames that failed field extraction or
	// carried an unknown mode byte.
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_decode_errors_total",
			Help: "Total frames discarded or partially decoded due to a field or mode error.",
		},
	)

	// Reconnects counts RECONNECTING transitions by connection mode.
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total reconnect attempts, by connection mode.",
		},
		[]string{"mode"},
	)

	// ConnectionState mirrors the current streamconn.State as a gauge
	// (0=DISCONNECTED .. 5=RECONNECTING), by connection mode.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_connection_state",
			Help: "Current Connection state machine value, by connection mode.",
		},
		[]string{"mode"},
	)

	// RegistryTokens is the gauge for the number of distinct subscribed
	// tokens. No package in this module sets it, so it stays at 0.
	RegistryTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_registry_tokens",
			Help: "Number of distinct instrument tokens currently subscribed.",
		},
	)

	// PlanTransitions counts order-plan status transitions by kind.
	PlanTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_plan_transitions_total",
			Help: "Total order-plan status transitions, by transition name.",
		},
		[]string{"transition"},
	)
)
