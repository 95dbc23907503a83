// Package observability provides Prometheus metrics for the agent loop and
// its tool providers.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and histograms for completion calls, tool
// executions, and loop behavior.
type Metrics struct {
	// CompletionCounter counts completion requests.
	// Labels: mode (blocking|streaming), status (success|error)
	CompletionCounter *prometheus.CounterVec

	// CompletionDuration measures completion call latency in seconds.
	// Labels: mode
	CompletionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: server, tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: server, tool
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopIterations observes how many iterations each chat call used.
	// Labels: mode
	LoopIterations *prometheus.HistogramVec

	// LoopExhaustedCounter counts chat calls that hit the iteration cap.
	// Labels: mode
	LoopExhaustedCounter *prometheus.CounterVec
}

// NewMetrics registers agent metrics on reg. Passing nil uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CompletionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qbit",
			Name:      "completion_requests_total",
			Help:      "Completion requests by mode and status.",
		}, []string{"mode", "status"}),
		CompletionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qbit",
			Name:      "completion_duration_seconds",
			Help:      "Completion call latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"mode"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qbit",
			Name:      "tool_executions_total",
			Help:      "Tool invocations by server, tool, and status.",
		}, []string{"server", "tool", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qbit",
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"server", "tool"}),
		LoopIterations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qbit",
			Name:      "loop_iterations",
			Help:      "Iterations used per chat call.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50, 100},
		}, []string{"mode"}),
		LoopExhaustedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qbit",
			Name:      "loop_exhausted_total",
			Help:      "Chat calls that reached the iteration cap.",
		}, []string{"mode"}),
	}
}

// ObserveCompletion records one completion request.
func (m *Metrics) ObserveCompletion(mode string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CompletionCounter.WithLabelValues(mode, status).Inc()
	m.CompletionDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObserveToolExecution records one tool invocation.
func (m *Metrics) ObserveToolExecution(server, tool string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(server, tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(server, tool).Observe(elapsed.Seconds())
}

// ObserveLoop records iteration usage for one chat call.
func (m *Metrics) ObserveLoop(mode string, iterations int, exhausted bool) {
	if m == nil {
		return
	}
	m.LoopIterations.WithLabelValues(mode).Observe(float64(iterations))
	if exhausted {
		m.LoopExhaustedCounter.WithLabelValues(mode).Inc()
	}
}
