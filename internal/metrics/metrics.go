package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_ingested_total",
			Help: "Total number of canonical events accepted for matching.",
		},
		[]string{"tenant_id", "event_type"},
	)

	EventsSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_events_suppressed_total",
			Help: "Total number of duplicate events suppressed by dedupe key.",
		},
	)

	RulesMatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_rules_matched_total",
			Help: "Total number of rule matches producing delivery jobs.",
		},
		[]string{"tenant_id"},
	)

	RulesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_rules_skipped_total",
			Help: "Total number of rules skipped due to malformed predicates.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Total number of delivery attempts by outcome and path.",
		},
		[]string{"outcome", "path"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_delivery_latency_seconds",
			Help:    "Outbound dispatch latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, circuit_open
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_dlq_total",
			Help: "Total number of jobs moved to the dead-letter tier.",
		},
	)

	ManualRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_manual_retries_total",
			Help: "Total number of jobs revived by manual retry.",
		},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)

	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_queue_backlog",
			Help: "Number of jobs per queue tier.",
		},
		[]string{"tier"},
	)

	HealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_health_score",
			Help: "Composite pipeline health score (0-100).",
		},
	)

	AlertsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_alerts_open",
			Help: "Number of unresolved alerts by severity.",
		},
		[]string{"severity"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		EventsSuppressedTotal,
		RulesMatchedTotal,
		RulesSkippedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DLQTotal,
		ManualRetriesTotal,
		BreakerTransitionsTotal,
		QueueBacklog,
		HealthScore,
		AlertsOpen,
	)
}

// RecordDelivery records the outcome of one dispatch attempt.
func RecordDelivery(outcome, path string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome, path).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}

// RecordRetry records a scheduled retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerTransition records a circuit state transition.
func RecordBreakerTransition(from, to string) {
	BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// UpdateBacklog sets the backlog gauge for a queue tier.
func UpdateBacklog(tier string, depth float64) {
	QueueBacklog.WithLabelValues(tier).Set(depth)
}
