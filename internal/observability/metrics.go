package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	messagesSentTotal     *prometheus.CounterVec
	sendRejectedTotal     *prometheus.CounterVec
	moderationDeleteTotal *prometheus.CounterVec
	streamErrorsTotal     prometheus.Counter
	sessionsActive        prometheus.Gauge
	appendLatencySeconds  prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors of the support service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_http_requests_total",
			Help: "Total number of support API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "support_http_latency_seconds",
			Help:    "Latency distribution for support API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_http_errors_total",
			Help: "Total number of error responses returned by support endpoints.",
		}, []string{"method", "route", "status"})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_messages_sent_total",
			Help: "Messages accepted by the change feed.",
		}, []string{"channel_kind"})

		sendRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_send_rejected_total",
			Help: "Sends rejected before or during append.",
		}, []string{"reason"})

		moderationDeleteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "support_moderation_deletes_total",
			Help: "Moderation delete attempts by outcome.",
		}, []string{"outcome"})

		streamErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "support_stream_errors_total",
			Help: "Change feed subscription failures reported to sessions.",
		})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "support_sessions_active",
			Help: "Support sessions currently open.",
		})

		appendLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "support_append_latency_seconds",
			Help:    "Time taken by the change feed to confirm an append.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			messagesSentTotal,
			sendRejectedTotal,
			moderationDeleteTotal,
			streamErrorsTotal,
			sessionsActive,
			appendLatencySeconds,
		)
	})
}

// HTTPRequests exposes the counter for support API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for support API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for support API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

func SendRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return sendRejectedTotal
}

func ModerationDeletes() *prometheus.CounterVec {
	RegisterMetrics()
	return moderationDeleteTotal
}

func StreamErrors() prometheus.Counter {
	RegisterMetrics()
	return streamErrorsTotal
}

func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

func AppendLatency() prometheus.Histogram {
	RegisterMetrics()
	return appendLatencySeconds
}
