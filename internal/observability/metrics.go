package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	TripsRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_requested_total", Help: "Trips opened for bidding"})
	BidsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bids_total", Help: "Bids accepted into a bidding trip"})
	MatchesTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Trips matched to a driver"},
		[]string{"mode"},
	)
	ClaimsLost   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claims_lost_total", Help: "Status claims lost to a concurrent writer"})
	TripsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_expired_total", Help: "Bidding windows that closed with no bids"})

	TripsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trips_finished_total", Help: "Trips reaching a terminal status"},
		[]string{"status"},
	)

	LocationThrottled = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_throttled_total", Help: "Location pings dropped by the per-trip throttle"})
	SafetyAlerts      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "safety_alerts_total", Help: "Safety alerts raised"},
		[]string{"kind"},
	)

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Auto-match sweep latency", Buckets: prometheus.DefBuckets})
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_failures_total", Help: "Trips the sweep failed to settle"})

	PresenceApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "presence_messages_total", Help: "Presence messages consumed from the bus"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
