// Package metrics holds the Prometheus collectors shared by the sync components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessedTotal counts finished job executions by kind and outcome
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_processed_total",
			Help: "Sync jobs processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// JobDurationSeconds observes handler wall time
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_job_duration_seconds",
			Help:    "Sync job execution time",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 100ms to ~27min
		},
		[]string{"kind"},
	)

	// JobsInFlight is the number of jobs currently executing in this process
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_jobs_in_flight",
			Help: "Jobs currently executing",
		},
	)

	// QueueDepth is the number of jobs per queue state
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Jobs in the queue by state",
		},
		[]string{"state"},
	)

	// RowsWrittenTotal counts upserted fact rows
	RowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rows_written_total",
			Help: "Fact rows upserted by platform and entity",
		},
		[]string{"platform", "entity"},
	)

	// PlatformCallsTotal counts outbound platform calls by result
	PlatformCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_platform_calls_total",
			Help: "Outbound platform API calls",
		},
		[]string{"platform", "result"},
	)

	// PlatformCallDuration observes outbound call latency including retries
	PlatformCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_platform_call_duration_seconds",
			Help:    "Outbound platform call latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"platform"},
	)

	// RateLimitDecisionsTotal counts guard decisions by reason
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rate_limit_decisions_total",
			Help: "Rate limit guard decisions by reason",
		},
		[]string{"reason"},
	)

	// CooldownsEnteredTotal counts cooldowns triggered by platform throttling
	CooldownsEnteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rate_limit_cooldowns_total",
			Help: "Cooldowns entered after platform rate-limit responses",
		},
		[]string{"platform"},
	)

	// CircuitState is 0 closed, 1 half-open, 2 open
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_circuit_breaker_state",
			Help: "Circuit breaker state per platform (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// BulkPollsTotal counts poll outcomes
	BulkPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_bulk_polls_total",
			Help: "Bulk operation poll outcomes",
		},
		[]string{"entity", "state"},
	)

	// BackfillDecisionsTotal counts gap audit decisions
	BackfillDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_backfill_decisions_total",
			Help: "Backfill plan decisions",
		},
		[]string{"decision"},
	)

	// MissingDays is the last observed number of missing days per platform
	MissingDays = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_missing_days",
			Help:    "Missing days found by gap detection",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"platform"},
	)

	// BackfillChunksTotal counts executed backfill chunks
	BackfillChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_backfill_chunks_total",
			Help: "Backfill chunks executed by result",
		},
		[]string{"platform", "result"},
	)

	// ReconnectsTotal counts reconnect attempts by result
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_reconnects_total",
			Help: "Full reconnect attempts",
		},
		[]string{"platform", "result"},
	)

	// HTTPRequestsTotal counts API requests by route template and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration observes API latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
