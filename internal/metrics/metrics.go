// Package metrics provides Prometheus collectors and HTTP middleware for the
// proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets covers generations from 100ms up to several minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts HTTP requests by route, method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "difyproxy_requests_total",
			Help: "Total requests",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration records HTTP request duration by route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "difyproxy_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"route", "method"},
	)

	// StreamingConnections tracks in-flight SSE responses.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "difyproxy_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// UpstreamRequestsTotal counts calls to Dify by model, mode and outcome.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "difyproxy_upstream_requests_total",
			Help: "Upstream requests",
		},
		[]string{"model", "mode", "outcome"},
	)

	// UpstreamLatency records time to upstream response headers.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "difyproxy_upstream_latency_seconds",
			Help:    "Upstream latency until response headers",
			Buckets: LLMBuckets,
		},
		[]string{"model", "mode"},
	)

	// PacedCharactersTotal counts characters written by the stream pacer.
	PacedCharactersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "difyproxy_paced_characters_total",
			Help: "Characters emitted on outward streams",
		},
	)

	// MalformedEventsTotal counts upstream data lines that were skipped.
	MalformedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "difyproxy_upstream_malformed_events_total",
			Help: "Malformed upstream event lines",
		},
	)

	// TokensInjectedTotal counts conversation tokens appended to replies.
	TokensInjectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "difyproxy_conversation_tokens_injected_total",
			Help: "Conversation tokens appended to assistant replies",
		},
		[]string{"mode"},
	)

	// RegistryRefreshesTotal counts model registry refreshes by outcome.
	RegistryRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "difyproxy_registry_refreshes_total",
			Help: "Model registry refreshes",
		},
		[]string{"outcome"},
	)

	// RegistryModels is the number of models in the current snapshot.
	RegistryModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "difyproxy_registry_models",
			Help: "Models in the current registry snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		UpstreamRequestsTotal,
		UpstreamLatency,
		PacedCharactersTotal,
		MalformedEventsTotal,
		TokensInjectedTotal,
		RegistryRefreshesTotal,
		RegistryModels,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration under the given route label.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		statusStr := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(route, r.Method, statusStr).Inc()
		RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the status code while keeping flushing available
// for SSE responses.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the original writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
