// Package metrics exposes Prometheus collectors for the conversation
// loop, tool dispatch and request gate. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "foreman"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	modelCalls     *prometheus.CounterVec
	modelLatency   prometheus.Histogram
	tokens         *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	loopIterations prometheus.Histogram
	loopStops      *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model invocations by outcome.",
		}, []string{"outcome"}),
		modelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Latency of a single model invocation.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"direction"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of a single tool execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		loopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_iterations",
			Help:      "Model calls per chat request.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		loopStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_stops_total",
			Help:      "Chat requests by terminal stop reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests denied by the rate limiter.",
		}, []string{"endpoint"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.modelCalls, m.modelLatency, m.tokens,
		m.toolCalls, m.toolLatency,
		m.loopIterations, m.loopStops,
		m.rateLimited, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ModelCall records one model invocation.
func (m *Metrics) ModelCall(d time.Duration, err error, tokensIn, tokensOut int) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(outcome(err == nil)).Inc()
	m.modelLatency.Observe(d.Seconds())
	m.tokens.WithLabelValues("input").Add(float64(tokensIn))
	m.tokens.WithLabelValues("output").Add(float64(tokensOut))
}

// ToolCall records one tool execution.
func (m *Metrics) ToolCall(tool string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome(ok)).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// LoopDone records a finished chat request.
func (m *Metrics) LoopDone(iterations int, stopReason string) {
	if m == nil {
		return
	}
	m.loopIterations.Observe(float64(iterations))
	m.loopStops.WithLabelValues(stopReason).Inc()
}

// RateLimited records a denied request.
func (m *Metrics) RateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
