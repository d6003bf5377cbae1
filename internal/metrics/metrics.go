// Package metrics exposes Prometheus instrumentation for pipeline runs, node
// execution, routing and outbound services.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picks_workflow_runs_total",
			Help: "Total number of pipeline runs by final status",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "picks_workflow_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "picks_workflows_active",
			Help: "Number of pipeline runs currently executing",
		},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "picks_node_duration_seconds",
			Help:    "Duration of a single node execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node", "status"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picks_routing_decisions_total",
			Help: "Conditional routing decisions taken after a node",
		},
		[]string{"from", "route"},
	)

	RelevanceScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "picks_relevance_score",
			Help:    "Relevance scores produced by the grader",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	Refinements = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "picks_refinements_per_run",
			Help:    "Number of query refinements performed per completed run",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picks_tool_invocations_total",
			Help: "Capability invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "picks_tool_duration_seconds",
			Help:    "Duration of capability invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picks_model_calls_total",
			Help: "Model generation calls by outcome",
		},
		[]string{"outcome"},
	)

	ModelTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "picks_model_tokens_total",
			Help: "Tokens reported by the model service",
		},
	)

	// CircuitBreakerState values: 0=closed, 1=half-open, 2=open (gobreaker ordering).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "picks_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picks_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picks_store_operations_total",
			Help: "State store operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picks_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "picks_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"method", "route"},
	)
)

func RecordWorkflow(status string, duration time.Duration) {
	WorkflowRunsTotal.WithLabelValues(status).Inc()
	WorkflowDuration.Observe(duration.Seconds())
}

func RecordNode(node string, duration time.Duration, err error) {
	NodeDuration.WithLabelValues(node, outcome(err)).Observe(duration.Seconds())
}

func RecordRoute(from, route string) {
	RoutingDecisions.WithLabelValues(from, route).Inc()
}

func RecordRelevance(score float64) {
	RelevanceScores.Observe(score)
}

func RecordRefinements(n int) {
	Refinements.Observe(float64(n))
}

func RecordToolInvocation(tool string, duration time.Duration, err error) {
	ToolInvocations.WithLabelValues(tool, outcome(err)).Inc()
	ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordModelCall(tokens int, err error) {
	ModelCalls.WithLabelValues(outcome(err)).Inc()
	if tokens > 0 {
		ModelTokens.Add(float64(tokens))
	}
}

func RecordBreakerTransition(name, from, to string, state int) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func RecordStoreOperation(operation string, err error) {
	StoreOperations.WithLabelValues(operation, outcome(err)).Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func TrackActiveWorkflow(inc bool) {
	if inc {
		WorkflowsActive.Inc()
		return
	}
	WorkflowsActive.Dec()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
