// Package metrics exposes the API's prometheus instrumentation. All
// collectors are registered on the default registry and served by
// promhttp on the dedicated metrics listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_http_requests_total",
		Help: "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copilot_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	clickhouseQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_clickhouse_queries_total",
		Help: "Total ClickHouse queries by status.",
	}, []string{"status"})

	clickhouseQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copilot_clickhouse_query_duration_seconds",
		Help:    "ClickHouse query latency.",
		Buckets: prometheus.DefBuckets,
	})

	influxQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_influx_queries_total",
		Help: "Total InfluxDB queries by status.",
	}, []string{"status"})

	influxQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copilot_influx_query_duration_seconds",
		Help:    "InfluxDB query latency.",
		Buckets: prometheus.DefBuckets,
	})

	anthropicRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_anthropic_requests_total",
		Help: "Total Anthropic API requests by operation and status.",
	}, []string{"operation", "status"})

	anthropicRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copilot_anthropic_request_duration_seconds",
		Help:    "Anthropic API request latency by operation.",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"operation"})

	anthropicTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_anthropic_tokens_total",
		Help: "Total Anthropic tokens by direction (input or output).",
	}, []string{"direction"})

	workflowRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_workflow_runs_total",
		Help: "Total workflow runs by outcome.",
	}, []string{"outcome"})

	workflowRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copilot_workflow_run_duration_seconds",
		Help:    "Wall-clock duration of workflow runs by outcome.",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	repairAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copilot_repair_attempts",
		Help:    "Repair attempts consumed per completed workflow run.",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	})

	suspensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copilot_workflow_suspensions_total",
		Help: "Total workflow runs suspended for clarification.",
	})

	// BuildInfo is set once at startup with version, commit and date labels.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copilot_build_info",
		Help: "Build information.",
	}, []string{"version", "commit", "date"})
)

// Middleware records request counts and latencies per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordClickHouseQuery records one ClickHouse query execution.
func RecordClickHouseQuery(duration time.Duration, err error) {
	clickhouseQueriesTotal.WithLabelValues(statusLabel(err)).Inc()
	clickhouseQueryDuration.Observe(duration.Seconds())
}

// RecordInfluxQuery records one InfluxDB query execution.
func RecordInfluxQuery(duration time.Duration, err error) {
	influxQueriesTotal.WithLabelValues(statusLabel(err)).Inc()
	influxQueryDuration.Observe(duration.Seconds())
}

// RecordAnthropicRequest records one Anthropic API round trip.
func RecordAnthropicRequest(operation string, duration time.Duration, err error) {
	anthropicRequestsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	anthropicRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAnthropicTokens records token usage from an Anthropic response.
func RecordAnthropicTokens(input, output int64) {
	anthropicTokensTotal.WithLabelValues("input").Add(float64(input))
	anthropicTokensTotal.WithLabelValues("output").Add(float64(output))
}

// RecordWorkflowRun records a finished run with its outcome
// (completed, failed) and wall-clock duration.
func RecordWorkflowRun(outcome string, duration time.Duration) {
	workflowRunsTotal.WithLabelValues(outcome).Inc()
	workflowRunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRepairAttempts records how many repair attempts a run consumed.
func RecordRepairAttempts(n int) {
	repairAttempts.Observe(float64(n))
}

// RecordSuspension records a run suspending for clarification.
func RecordSuspension() {
	suspensionsTotal.Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
