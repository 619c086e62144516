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
			Namespace: "uadissect",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "uadissect",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	pdusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uadissect",
			Subsystem: "dissect",
			Name:      "pdus_total",
			Help:      "Dissected PDUs by message kind.",
		},
		[]string{"kind"},
	)
	malformedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uadissect",
			Subsystem: "dissect",
			Name:      "malformed_total",
			Help:      "PDUs that failed to decode, by kind and reason.",
		},
		[]string{"kind", "reason"},
	)
	segmentsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uadissect",
			Subsystem: "desegment",
			Name:      "rejected_total",
			Help:      "Segments rejected by the stream reassembler.",
		},
		[]string{"reason"},
	)
	reassemblyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uadissect",
			Subsystem: "chunk",
			Name:      "outcomes_total",
			Help:      "Chunk deliveries by resulting group state.",
		},
		[]string{"state"},
	)
	pendingGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "uadissect",
			Subsystem: "chunk",
			Name:      "pending_groups",
			Help:      "Chunk groups waiting for more chunks.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			pdusTotal,
			malformedTotal,
			segmentsRejected,
			reassemblyTotal,
			pendingGroups,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordPDU counts one dissected PDU. reason is empty for a clean decode.
func RecordPDU(kind, reason string) {
	RegisterMetrics()
	pdusTotal.WithLabelValues(kind).Inc()
	if reason != "" {
		malformedTotal.WithLabelValues(kind, reason).Inc()
	}
}

func RecordSegmentRejected(reason string) {
	RegisterMetrics()
	segmentsRejected.WithLabelValues(reason).Inc()
}

func RecordReassembly(state string) {
	RegisterMetrics()
	reassemblyTotal.WithLabelValues(state).Inc()
}

func SetPendingGroups(n int) {
	RegisterMetrics()
	pendingGroups.Set(float64(n))
}
