// Package metrics declares the prometheus collectors for the registry, the
// fanout engine, the editing broadcast, and the connection transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry Metrics
var (
	// RegistryEntries tracks the number of identities with a live registration
	RegistryEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_entries",
			Help: "Identities currently holding a registered connection, by registry",
		},
		[]string{"registry"},
	)

	// RegistryReplacedTotal counts last-writer-wins replacements (duplicate sessions)
	RegistryReplacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_replaced_total",
			Help: "Registrations that replaced an existing connection for the same identity",
		},
		[]string{"registry"},
	)

	// RegistryUnregisterMissTotal counts unregister calls for identities that were not present
	RegistryUnregisterMissTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_unregister_miss_total",
			Help: "Unregister calls that found no matching registration",
		},
		[]string{"registry"},
	)
)

// Fanout Metrics
var (
	// FanoutDeliveredTotal counts successful per-recipient deliveries
	FanoutDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_delivered_total",
			Help: "Events handed to a recipient connection",
		},
	)

	// FanoutUnreachableTotal counts recipients without a usable connection, by reason
	FanoutUnreachableTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_unreachable_total",
			Help: "Recipients that could not be reached (reason: stale_registration, send_error)",
		},
		[]string{"reason"},
	)

	// FanoutRemovalsTotal counts membership removals triggered by the engine
	FanoutRemovalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_removals_total",
			Help: "Membership removals requested by the fanout engine",
		},
	)
)

// Editor Metrics
var (
	// EditorViewers tracks the number of connected editor viewers
	EditorViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "editor_viewers",
			Help: "Connections currently viewing the shared edit buffer",
		},
	)

	// EditorBufferBytes tracks the size of the shared edit buffer
	EditorBufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "editor_buffer_bytes",
			Help: "Size of the shared edit buffer in bytes",
		},
	)
)

// Transport Metrics
var (
	// ConnectionsActive tracks open streaming connections by endpoint
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Open streaming connections by endpoint",
		},
		[]string{"endpoint"},
	)

	// InboundRateLimitedTotal counts inbound frames discarded by the rate limiter
	InboundRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_rate_limited_total",
			Help: "Inbound frames discarded because the connection exceeded its rate limit",
		},
	)
)
