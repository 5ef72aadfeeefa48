package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfloor_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsfloor_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfloor_messages_committed_total",
			Help: "Total messages committed to room logs",
		},
		[]string{"room"},
	)

	MessagesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfloor_messages_archived_total",
			Help: "Total messages evicted by room capping",
		},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfloor_dispatch_attempts_total",
			Help: "Total dispatch delivery attempts",
		},
		[]string{"outcome"}, // "ok", "timeout", "transient", "rejected", "failed"
	)

	DispatchFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfloor_dispatch_fallbacks_total",
			Help: "Total dispatches delivered via a fallback room",
		},
	)

	DispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfloor_dispatch_failures_total",
			Help: "Total dispatches that exhausted every route",
		},
	)

	// Cooldown metrics
	CooldownQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfloor_cooldown_queued_total",
			Help: "Total sends parked behind an agent cooldown",
		},
	)

	CooldownReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfloor_cooldown_released_total",
			Help: "Total parked sends released by the cooldown timer",
		},
	)

	CooldownDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsfloor_cooldown_dropped_total",
			Help: "Total sends dropped because an agent queue was full",
		},
	)

	// Event bus metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsfloor_events_emitted_total",
			Help: "Total events emitted on the bus",
		},
		[]string{"type"},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsfloor_event_subscribers",
			Help: "Currently connected event stream subscribers",
		},
	)
)
