// README: Prometheus collectors for pipeline transitions and the HTTP layer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mobility"

var (
	ReservationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reservation_transitions_total", Help: "Reservation status transitions"},
		[]string{"to"},
	)
	UnlockAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "unlock_attempts_total", Help: "Unlock authorizations by outcome"},
		[]string{"outcome"},
	)
	RentalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rental_transitions_total", Help: "Rental status transitions"},
		[]string{"to"},
	)
	RentalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "rentals_active", Help: "Rentals currently active or paused"},
	)
	TripRevenueCents = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_final_cost_cents_total", Help: "Sum of final trip costs"},
	)
	SplitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "split_transitions_total", Help: "Split request status transitions"},
		[]string{"to"},
	)
	ChargesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "charges_emitted_total", Help: "Charge instructions handed to payment execution"},
		[]string{"reason", "result"},
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
