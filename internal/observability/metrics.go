package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_http_requests_total",
			Help: "Total number of HTTP requests by route pattern.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route", "status"},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_auth_failures_total",
			Help: "Rejected API requests by reason (missing_key, invalid_key).",
		},
		[]string{"reason"},
	)
	pipelineRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_pipeline_requests_total",
			Help: "Total number of pipeline requests by outcome kind.",
		},
		[]string{"outcome"},
	)
	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_validation_rejections_total",
			Help: "Total number of validator violations by check.",
		},
		[]string{"check"},
	)
	verificationAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_verification_anomalies_total",
			Help: "Total number of result anomalies recorded by the verifier.",
		},
		[]string{"kind"},
	)
	generationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_generation_retries_total",
			Help: "Total number of retried generation calls after the model was unreachable.",
		},
	)
	executionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_execution_read_retries_total",
			Help: "Total number of read statements retried after a transient store failure.",
		},
	)
	workerPoolInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygate_worker_pool_in_flight",
			Help: "Pipeline requests currently holding a worker slot.",
		},
	)
	workerPoolWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygate_worker_pool_waiting",
			Help: "Pipeline requests queued for a worker slot.",
		},
	)
	catalogRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_catalog_refresh_total",
			Help: "Total number of schema catalog refreshes by status.",
		},
		[]string{"status"},
	)
	catalogVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygate_catalog_snapshot_version",
			Help: "Version of the schema snapshot currently served.",
		},
	)
	auditRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_audit_records_total",
			Help: "Audit records by disposition (recorded, dropped, flushed, archived, failed).",
		},
		[]string{"disposition"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		authFailuresTotal,
		pipelineRequestsTotal,
		pipelineStageDurationSeconds,
		validationRejectionsTotal,
		verificationAnomaliesTotal,
		generationRetriesTotal,
		executionRetriesTotal,
		workerPoolInFlight,
		workerPoolWaiting,
		catalogRefreshTotal,
		catalogVersion,
		auditRecordsTotal,
	)
}

func ObserveAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}

func ObservePipelineOutcome(outcome string) {
	pipelineRequestsTotal.WithLabelValues(outcome).Inc()
}

func ObserveStage(stage string, elapsed time.Duration) {
	pipelineStageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func ObserveValidationRejection(check string) {
	validationRejectionsTotal.WithLabelValues(check).Inc()
}

func ObserveVerificationAnomaly(kind string) {
	verificationAnomaliesTotal.WithLabelValues(kind).Inc()
}

func IncrementGenerationRetry() {
	generationRetriesTotal.Inc()
}

func IncrementExecutionRetry() {
	executionRetriesTotal.Inc()
}

func SetWorkerPool(inFlight, waiting int64) {
	if inFlight < 0 {
		inFlight = 0
	}
	if waiting < 0 {
		waiting = 0
	}
	workerPoolInFlight.Set(float64(inFlight))
	workerPoolWaiting.Set(float64(waiting))
}

func ObserveCatalogRefresh(ok bool, version int64) {
	if !ok {
		catalogRefreshTotal.WithLabelValues("failed").Inc()
		return
	}
	catalogRefreshTotal.WithLabelValues("ok").Inc()
	catalogVersion.Set(float64(version))
}

func ObserveAudit(disposition string, n int) {
	if n <= 0 {
		return
	}
	auditRecordsTotal.WithLabelValues(disposition).Add(float64(n))
}
