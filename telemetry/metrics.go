// Package telemetry bundles the Prometheus collectors emitted by the engine
// and small helpers for propagating W3C trace context through stage jobs and
// webhook headers. Collectors register on an injected Registerer so nothing
// mutates global state at import time.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every named series the engine emits. Construct one per
// process with NewMetrics and share it by reference.
type Metrics struct {
	// Intent lifecycle.
	IntentSubmissions  *prometheus.CounterVec   // tenant, type
	IntentTransitions  *prometheus.CounterVec   // from, to
	IntentsByStatus    *prometheus.GaugeVec     // status
	ProcessingDuration *prometheus.HistogramVec // stage
	ContextSizeBytes   prometheus.Histogram

	// Trust.
	TrustGateChecks    *prometheus.CounterVec // result
	TrustLevelAtSubmit prometheus.Histogram
	TrustDrift         prometheus.Histogram
	TrustDriftSeverity *prometheus.CounterVec // severity
	TrustDegradations  prometheus.Counter
	TrustFetchDuration prometheus.Histogram

	// Queues.
	QueueDepth      *prometheus.GaugeVec     // queue
	QueueActive     *prometheus.GaugeVec     // queue
	JobsProcessed   *prometheus.CounterVec   // queue, outcome
	JobDuration     *prometheus.HistogramVec // queue
	DLQSize         *prometheus.GaugeVec     // queue
	EnqueueFailures *prometheus.CounterVec   // queue

	// Circuit breakers.
	BreakerState       *prometheus.GaugeVec   // name (0 closed, 1 half-open, 2 open)
	BreakerTransitions *prometheus.CounterVec // name, from, to
	BreakerTrips       *prometheus.CounterVec // name
	BreakerExecutions  *prometheus.CounterVec // name, outcome

	// Rate limiting.
	RateLimitChecks  *prometheus.CounterVec // scope, outcome
	RateLimitUsage   *prometheus.GaugeVec   // scope
	RateLimitDenials *prometheus.CounterVec // tenant

	// Webhooks.
	WebhookDeliveries    *prometheus.CounterVec // outcome
	WebhookBatchDuration prometheus.Histogram
	WebhookConcurrency   prometheus.Gauge
	WebhookCircuitState  *prometheus.GaugeVec // subscription

	// Execution.
	Executions          *prometheus.CounterVec // outcome
	ExecutionDuration   prometheus.Histogram
	ExecutionMemoryPeak prometheus.Histogram
	ExecutionsInFlight  prometheus.Gauge

	// Coordination.
	LockContention *prometheus.CounterVec // outcome
	Deduplication  *prometheus.CounterVec // outcome

	// Policy.
	PolicyEvaluations *prometheus.CounterVec // outcome
	PolicyDuration    prometheus.Histogram
	PolicyOverrides   prometheus.Counter
	PolicyCacheHits   *prometheus.CounterVec // result
}

// NewMetrics builds and registers all engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IntentSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_intent_submissions_total",
			Help: "Intent submissions accepted by the intake service.",
		}, []string{"tenant", "type"}),
		IntentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_intent_status_transitions_total",
			Help: "Intent lifecycle transitions committed.",
		}, []string{"from", "to"}),
		IntentsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_intents_current",
			Help: "Current intents by status.",
		}, []string{"status"}),
		ProcessingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vorion_intent_processing_duration_seconds",
			Help:    "Per-stage processing time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stage"}),
		ContextSizeBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_intent_context_size_bytes",
			Help:    "Submission context size.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		TrustGateChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_trust_gate_checks_total",
			Help: "Trust gate evaluations by result.",
		}, []string{"result"}),
		TrustLevelAtSubmit: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_trust_level_at_submission",
			Help:    "Entity trust level observed at intake.",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}),
		TrustDrift: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_trust_drift",
			Help:    "Snapshot score minus decision-time score.",
			Buckets: []float64{-100, -50, -20, -5, 0, 5, 20, 50, 100},
		}),
		TrustDriftSeverity: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_trust_drift_severity_total",
			Help: "Drift occurrences at or beyond severity thresholds.",
		}, []string{"severity"}),
		TrustDegradations: f.NewCounter(prometheus.CounterOpts{
			Name: "vorion_trust_degradation_events_total",
			Help: "Fallbacks to cached or default trust.",
		}),
		TrustFetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_trust_fetch_duration_seconds",
			Help:    "Decision-time live trust fetch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_queue_depth",
			Help: "Jobs waiting per stage queue.",
		}, []string{"queue"}),
		QueueActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_queue_active",
			Help: "Handlers currently processing per stage queue.",
		}, []string{"queue"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_queue_jobs_processed_total",
			Help: "Stage jobs completed by outcome.",
		}, []string{"queue", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vorion_queue_job_duration_seconds",
			Help:    "Stage job handler duration.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"queue"}),
		DLQSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_dead_letter_queue_size",
			Help: "Dead-letter records retained per origin queue.",
		}, []string{"queue"}),
		EnqueueFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_queue_enqueue_failures_total",
			Help: "Failed enqueue attempts after the intent row was persisted.",
		}, []string{"queue"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_circuit_breaker_state",
			Help: "Breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_circuit_breaker_transitions_total",
			Help: "Breaker state changes.",
		}, []string{"name", "from", "to"}),
		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_circuit_breaker_trips_total",
			Help: "Breaker openings.",
		}, []string{"name"}),
		BreakerExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_circuit_breaker_executions_total",
			Help: "Calls routed through a breaker by outcome.",
		}, []string{"name", "outcome"}),
		RateLimitChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_rate_limit_checks_total",
			Help: "Rate limit checks by scope and outcome.",
		}, []string{"scope", "outcome"}),
		RateLimitUsage: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_rate_limit_usage_ratio",
			Help: "Window usage observed at the last check.",
		}, []string{"scope"}),
		RateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_rate_limit_denials_total",
			Help: "Denied admissions per tenant.",
		}, []string{"tenant"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		WebhookBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_webhook_batch_duration_seconds",
			Help:    "Fan-out batch duration.",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookConcurrency: f.NewGauge(prometheus.GaugeOpts{
			Name: "vorion_webhook_concurrency_in_use",
			Help: "Deliveries currently in flight.",
		}),
		WebhookCircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_webhook_circuit_state",
			Help: "Per-subscription breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"subscription"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_executions_total",
			Help: "Sandbox executions by outcome.",
		}, []string{"outcome"}),
		ExecutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_execution_duration_seconds",
			Help:    "Sandbox execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		ExecutionMemoryPeak: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_execution_memory_peak_mb",
			Help:    "Peak sandbox memory reported per execution.",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10),
		}),
		ExecutionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "vorion_executions_in_progress",
			Help: "Executions currently running.",
		}),
		LockContention: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_lock_acquisitions_total",
			Help: "Distributed lock acquisitions by outcome.",
		}, []string{"outcome"}),
		Deduplication: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_deduplication_total",
			Help: "Dedupe reservations by outcome.",
		}, []string{"outcome"}),
		PolicyEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_policy_evaluations_total",
			Help: "Policy engine evaluations by outcome.",
		}, []string{"outcome"}),
		PolicyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vorion_policy_evaluation_duration_seconds",
			Help:    "Policy evaluation latency.",
			Buckets: prometheus.DefBuckets,
		}),
		PolicyOverrides: f.NewCounter(prometheus.CounterOpts{
			Name: "vorion_policy_overrides_total",
			Help: "Decisions where policy was stricter than rules.",
		}),
		PolicyCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_policy_cache_total",
			Help: "Policy cache lookups by result.",
		}, []string{"result"}),
	}
}
