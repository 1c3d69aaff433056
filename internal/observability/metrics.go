package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccshim",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ccshim",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	peerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccshim",
			Name:      "peer_requests_total",
			Help:      "Outbound requests to the peer by operation and outcome.",
		},
		[]string{"type", "outcome"},
	)
	peerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ccshim",
			Name:      "peer_request_duration_seconds",
			Help:      "Time from enqueue to reply for outbound peer requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	orphanResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ccshim",
			Name:      "orphan_responses_total",
			Help:      "Peer replies that matched no pending request.",
		},
	)
	inboundCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccshim",
			Name:      "inbound_calls_total",
			Help:      "Init and Invoke calls by completion status.",
		},
		[]string{"kind", "status"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ccshim",
			Name:      "protocol_errors_total",
			Help:      "Messages illegal for the connection state.",
		},
		[]string{"state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			peerRequests, peerDuration, orphanResponses, inboundCalls, protocolErrors,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// ShimMetrics records protocol engine events into the process registry.
type ShimMetrics struct{}

func NewShimMetrics() ShimMetrics {
	RegisterMetrics()
	return ShimMetrics{}
}

func (ShimMetrics) ObserveRequest(msgType, outcome string, d time.Duration) {
	peerRequests.WithLabelValues(msgType, outcome).Inc()
	if outcome != "timeout" {
		peerDuration.WithLabelValues(msgType).Observe(d.Seconds())
	}
}

func (ShimMetrics) OrphanResponse() {
	orphanResponses.Inc()
}

func (ShimMetrics) InboundCall(kind string, status int32) {
	inboundCalls.WithLabelValues(kind, strconv.Itoa(int(status))).Inc()
}

func (ShimMetrics) ProtocolError(state string) {
	protocolErrors.WithLabelValues(state).Inc()
}
