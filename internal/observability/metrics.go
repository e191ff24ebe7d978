package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service and the voice client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RealtimeEvents      *prometheus.CounterVec
	TransportSetupFails *prometheus.CounterVec
	ToolCalls           *prometheus.CounterVec
	Transcriptions      *prometheus.CounterVec
	TurnRequests        *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	MemoryWrites        *prometheus.CounterVec
	FirstDeltaLatency   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RealtimeEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime channel events by direction, type and delivery result.",
		}, []string{"direction", "type", "result"}),
		TransportSetupFails: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_setup_failures_total",
			Help:      "Realtime transport setup failures by stage.",
		}, []string{"stage"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched by tool name and outcome.",
		}, []string{"tool", "result"}),
		Transcriptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Batch transcription attempts by outcome.",
		}, []string{"result"}),
		TurnRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_requests_total",
			Help:      "Response requests by origin and outcome.",
		}, []string{"origin", "result"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
		MemoryWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Memory store writes by record kind and outcome.",
		}, []string{"kind", "result"}),
		FirstDeltaLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from turn request to first assistant delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
	}
}

func (m *Metrics) ObserveRealtimeEvent(direction, eventType, result string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(direction, eventType, result).Inc()
}

func (m *Metrics) ObserveSetupFailure(stage string) {
	if m == nil {
		return
	}
	m.TransportSetupFails.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) ObserveTranscription(result string) {
	if m == nil {
		return
	}
	m.Transcriptions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTurnRequest(origin, result string) {
	if m == nil {
		return
	}
	m.TurnRequests.WithLabelValues(origin, result).Inc()
}

func (m *Metrics) ObserveHTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) ObserveMemoryWrite(kind, result string) {
	if m == nil {
		return
	}
	m.MemoryWrites.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
