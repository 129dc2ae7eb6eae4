package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drop_service"

var (
	JoinTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_total",
			Help:      "Waitlist join attempts by outcome",
		},
		[]string{"outcome"}, // success, already_joined, not_found, not_active, error
	)

	LeaveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leave_total",
			Help:      "Waitlist leave attempts by outcome",
		},
		[]string{"outcome"},
	)

	ClaimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_total",
			Help:      "Claim attempts by outcome",
		},
		[]string{"outcome"}, // issued, replayed, out_of_stock, window_closed, not_in_waitlist, transient, error
	)

	ClaimCriticalSection = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_critical_section_seconds",
			Help:      "Time from claim start to commit or abort, including the per-drop lock wait",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	CodeCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_code_collisions_total",
			Help:      "Generated claim codes rejected by the uniqueness constraint",
		},
	)

	RapidActionFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rapid_action_fail_open_total",
			Help:      "Joins scored with a zero rapid-action count because the tracker was unavailable",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox messages by publish result",
		},
		[]string{"result"}, // sent, retry, dead
	)

	SnapshotsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drop_snapshots_consumed_total",
			Help:      "Drop catalog snapshots by routing key and result",
		},
		[]string{"routing_key", "result"}, // applied, duplicate, invalid, error
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)
