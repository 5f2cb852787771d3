package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	llmAttemptTotal    *prometheus.CounterVec
	llmAttemptDuration *prometheus.HistogramVec
	llmTokensTotal     *prometheus.CounterVec
	llmCostTotal       *prometheus.CounterVec
	rateLimitBackoffs  prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	toolTruncationsTotal  prometheus.Counter
	toolGateWaiting       prometheus.Gauge
	toolGateLive          prometheus.Gauge

	sessionTotal    *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionTurns    prometheus.Histogram

	subAgentRunTotal *prometheus.CounterVec

	snapshotSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			llmAttemptTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_attempt_total",
					Help: "Total model invocation attempts by provider, model and status.",
				},
				[]string{"provider", "model", "status"},
			),
			llmAttemptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_attempt_duration_seconds",
					Help:    "Model invocation duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_tokens_total",
					Help: "Total tokens by provider, model and token class.",
				},
				[]string{"provider", "model", "class"},
			),
			llmCostTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_cost_usd_total",
					Help: "Total model cost in USD by provider and model.",
				},
				[]string{"provider", "model"},
			),
			rateLimitBackoffs: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "llm_rate_limit_backoffs_total",
					Help: "Total rate-limit backoff sleeps.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by server, tool and status.",
				},
				[]string{"server", "tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			toolTruncationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tool_truncations_total",
					Help: "Total tool responses truncated by the size cap.",
				},
			),
			toolGateWaiting: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tool_gate_waiting",
					Help: "Tool calls currently queued for a concurrency slot.",
				},
			),
			toolGateLive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tool_gate_live",
					Help: "Tool calls currently holding a concurrency slot.",
				},
			),
			sessionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_session_total",
					Help: "Total agent sessions by exit code.",
				},
				[]string{"exit_code"},
			),
			sessionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_session_duration_seconds",
					Help:    "Agent session duration in seconds by exit code.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
				},
				[]string{"exit_code"},
			),
			sessionTurns: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_session_turns",
					Help:    "Turns consumed per agent session.",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
				},
			),
			subAgentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sub_agent_run_total",
					Help: "Total delegated sub-agent runs by agent and status.",
				},
				[]string{"agent", "status"},
			),
			snapshotSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_save_duration_seconds",
					Help:    "Session snapshot persistence duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.llmAttemptTotal,
			m.llmAttemptDuration,
			m.llmTokensTotal,
			m.llmCostTotal,
			m.rateLimitBackoffs,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.toolTruncationsTotal,
			m.toolGateWaiting,
			m.toolGateLive,
			m.sessionTotal,
			m.sessionDuration,
			m.sessionTurns,
			m.subAgentRunTotal,
			m.snapshotSaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLLMAttempt(provider, model, status string, duration time.Duration) {
	m := getMetrics()
	m.llmAttemptTotal.WithLabelValues(provider, model, status).Inc()
	m.llmAttemptDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordLLMTokens(provider, model string, input, output, cacheRead, cacheWrite int64) {
	m := getMetrics()
	m.llmTokensTotal.WithLabelValues(provider, model, "input").Add(float64(input))
	m.llmTokensTotal.WithLabelValues(provider, model, "output").Add(float64(output))
	m.llmTokensTotal.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	m.llmTokensTotal.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWrite))
}

func RecordLLMCost(provider, model string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	getMetrics().llmCostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordRateLimitBackoff() {
	getMetrics().rateLimitBackoffs.Inc()
}

func RecordToolExecution(server, tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(server, tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordToolTruncation() {
	getMetrics().toolTruncationsTotal.Inc()
}

func SetToolGate(live, waiting int) {
	m := getMetrics()
	m.toolGateLive.Set(float64(live))
	m.toolGateWaiting.Set(float64(waiting))
}

func RecordSession(exitCode string, duration time.Duration, turns int) {
	m := getMetrics()
	m.sessionTotal.WithLabelValues(exitCode).Inc()
	m.sessionDuration.WithLabelValues(exitCode).Observe(duration.Seconds())
	m.sessionTurns.Observe(float64(turns))
}

func RecordSubAgentRun(agent string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().subAgentRunTotal.WithLabelValues(agent, status).Inc()
}

func RecordSnapshotSave(duration time.Duration) {
	getMetrics().snapshotSaveDuration.Observe(duration.Seconds())
}
