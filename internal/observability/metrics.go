package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_created_total", Help: "Trips created"})

	DispatchAttempts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "dispatch_attempts_total", Help: "Dispatch attempt cycles run"})
	DispatchBroadcast = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "dispatch_broadcasts_total", Help: "Trip requests broadcast to candidate drivers"})
	SearchesAbandoned = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "searches_abandoned_total", Help: "Searches cancelled after the attempt cap"})

	AssignmentsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "assignments_total", Help: "Successful driver assignments"})
	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "accept_conflicts_total", Help: "Acceptance attempts that lost the assignment race"})
	TripsCompleted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_completed_total", Help: "Trips completed and settled"})
	TripsCancelled     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_cancelled_total", Help: "Trips cancelled"}, []string{"by"})
	AssignmentLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "trip_dispatch", Name: "assignment_latency_seconds", Help: "Time from trip creation to driver assignment", Buckets: []float64{1, 5, 10, 30, 60, 120, 300}})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "drivers_online", Help: "Drivers currently reporting locations"})
	SurgeMultiplierObs = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "trip_dispatch", Name: "surge_multiplier", Help: "Surge multiplier applied at quote time", Buckets: []float64{1.0, 1.25, 1.5, 2.0}})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
