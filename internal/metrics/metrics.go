package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockstep_rooms_active",
			Help: "Number of rooms held by the relay",
		},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockstep_ws_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_ws_messages_received_total",
			Help: "Websocket messages received by the relay, by type",
		},
		[]string{"type"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_ws_messages_dropped_total",
			Help: "Websocket messages dropped by the relay",
		},
		[]string{"reason"}, // "invalid", "rate_limited", "not_host", "stale"
	)

	HostMigrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockstep_host_migrations_total",
			Help: "Number of times a room host changed",
		},
	)

	RoomsCollected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockstep_rooms_collected_total",
			Help: "Empty rooms removed after the grace period",
		},
	)

	// Engine
	EngineDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockstep_engine_decisions_total",
			Help: "Sync engine decisions",
		},
		[]string{"component", "kind", "reason"},
	)

	ProbeCommandRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockstep_probe_command_retries_total",
			Help: "Retries of probe command delivery",
		},
	)
)
