package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics for production monitoring
var (
	// Pipeline metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"mode", "action"}, // action: allowed/sanitized/blocked/escalated
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airms_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"mode"},
	)

	PipelineIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airms_pipeline_iterations",
			Help:    "Tool-call loop iterations per request",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
		},
	)

	// Risk agent metrics
	RiskAssessments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_risk_assessments_total",
			Help: "Total number of risk assessments by phase and level",
		},
		[]string{"phase", "level"},
	)

	RiskAnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airms_risk_analysis_duration_seconds",
			Help:    "Risk agent analysis duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"phase"},
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airms_detector_duration_seconds",
			Help:    "Per-detector scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"detector"},
	)

	DetectorTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_detector_timeouts_total",
			Help: "Total number of detector deadline expirations",
		},
		[]string{"detector"},
	)

	MitigationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_mitigations_total",
			Help: "Total number of mitigation decisions",
		},
		[]string{"mitigation"},
	)

	// Vault metrics
	VaultMints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_vault_mints_total",
			Help: "Total number of vault mint operations",
		},
		[]string{"kind", "outcome"}, // outcome: created/deduped/error
	)

	VaultRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airms_vault_records",
			Help: "Current number of live token records",
		},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airms_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_llm_tokens_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"model", "kind"}, // kind: prompt/completion
	)

	LLMRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_llm_retries_total",
			Help: "Total number of LLM retry attempts on transient failures",
		},
		[]string{"provider"},
	)

	// Connector metrics
	ConnectorQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_connector_queries_total",
			Help: "Total number of data-source query executions",
		},
		[]string{"source", "kind", "status"}, // status: ok/refused/timeout/busy/error
	)

	ConnectorQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airms_connector_query_duration_seconds",
			Help:    "Data-source query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"source"},
	)

	ConnectorPoolWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airms_connector_pool_waiting",
			Help: "Callers currently waiting on a connector pool slot",
		},
		[]string{"source"},
	)

	// Audit sink metrics
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airms_audit_events_total",
			Help: "Total number of audit events emitted",
		},
		[]string{"event_type"},
	)
)
