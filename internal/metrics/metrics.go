package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	IntentDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_intent_decisions_total",
			Help: "Total number of routing decisions by outcome",
		},
		[]string{"decision"},
	)

	IntentConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatflow_intent_confidence",
			Help:    "Confidence attached to routing decisions",
			Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"workflow_type", "mode"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"workflow_type", "mode", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatflow_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type", "mode"},
	)

	ReportFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_report_fallbacks_total",
			Help: "Reports built from a template because generation was unusable",
		},
		[]string{"analysis_type"},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_tool_invocations_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool"},
	)

	// Generation metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_generation_requests_total",
			Help: "Total number of generation service calls",
		},
		[]string{"provider", "status"},
	)

	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatflow_generation_latency_seconds",
			Help:    "Generation service latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	GenerationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_generation_tokens_total",
			Help: "Total tokens reported by the generation service",
		},
		[]string{"provider"},
	)

	// Async task metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_tasks_created_total",
			Help: "Total number of async tasks created",
		},
		[]string{"workflow_type"},
	)

	TaskChoices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_task_choices_total",
			Help: "Stream/async choices recorded on pending tasks",
		},
		[]string{"choice"},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_tasks_finished_total",
			Help: "Total number of async tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatflow_task_duration_seconds",
			Help:    "Async task processing duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatflow_task_queue_depth",
			Help: "Tasks waiting in the in-process worker queue",
		},
	)

	// Streaming metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_stream_events_total",
			Help: "Total number of stream events emitted by type",
		},
		[]string{"type"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatflow_stream_subscribers",
			Help: "Active stream subscribers",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
		[]string{"route"},
	)

	// Routing rules hot reload
	RoutingReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_routing_reloads_total",
			Help: "Routing rule reload attempts by outcome",
		},
		[]string{"status"},
	)
)

// RecordWorkflowMetrics records metrics for a completed workflow
func RecordWorkflowMetrics(workflowType, mode, status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(workflowType, mode, status).Inc()
	WorkflowDuration.WithLabelValues(workflowType, mode).Observe(durationSeconds)
}

// RecordIntent records one routing decision.
func RecordIntent(decision string, confidence float64) {
	IntentDecisions.WithLabelValues(decision).Inc()
	IntentConfidence.Observe(confidence)
}

// RecordGeneration records one generation call.
func RecordGeneration(provider, status string, durationSeconds float64, tokens int64) {
	GenerationRequests.WithLabelValues(provider, status).Inc()
	GenerationLatency.WithLabelValues(provider).Observe(durationSeconds)
	if tokens > 0 {
		GenerationTokens.WithLabelValues(provider).Add(float64(tokens))
	}
}

// RecordTaskFinished records a terminal task transition.
func RecordTaskFinished(status string, durationSeconds float64) {
	TasksFinished.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		TaskDuration.Observe(durationSeconds)
	}
}

// RecordHTTP records an HTTP request.
func RecordHTTP(route, method, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(durationSeconds)
}
