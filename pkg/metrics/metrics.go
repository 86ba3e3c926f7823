// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks relay HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Relay HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total relay HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total relay HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks upstream streaming duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "Upstream LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks upstream tokens.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total upstream LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// StreamsActive tracks streamed completions currently being relayed.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Number of chat-process streams in flight",
		},
	)

	// ExchangesPublished tracks exchanges written to the JetStream journal.
	ExchangesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_exchanges_published_total",
			Help: "Completed exchanges published to JetStream",
		},
		[]string{"status"},
	)

	// ClientCallsTotal tracks API client calls by path and outcome kind.
	ClientCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_calls_total",
			Help: "API client calls by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	// ClientCallDuration tracks API client call latency.
	ClientCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_client_call_duration_seconds",
			Help:    "API client call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"path"},
	)

	// IngestOutcomes tracks terminal states of streamed messages.
	IngestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ingest_outcomes_total",
			Help: "Terminal states reached by streamed messages",
		},
		[]string{"phase"},
	)

	// KVOperations tracks key-value store operations.
	KVOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_operations_total",
			Help: "Key-value store operations by backend, op and outcome",
		},
		[]string{"backend", "op", "outcome"},
	)
)

// RecordRequest records metrics for a relay HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an upstream streaming response.
func RecordLLMStream(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordClientCall records the outcome of an API client call.
func RecordClientCall(path, outcome string, duration float64) {
	ClientCallsTotal.WithLabelValues(path, outcome).Inc()
	ClientCallDuration.WithLabelValues(path).Observe(duration)
}

// RecordIngest records the terminal phase of a streamed message.
func RecordIngest(phase string) {
	IngestOutcomes.WithLabelValues(phase).Inc()
}

// RecordKV records a key-value store operation.
func RecordKV(backend, op, outcome string) {
	KVOperations.WithLabelValues(backend, op, outcome).Inc()
}

// IncrementStreams increments the active stream count.
func IncrementStreams() {
	StreamsActive.Inc()
}

// DecrementStreams decrements the active stream count.
func DecrementStreams() {
	StreamsActive.Dec()
}
