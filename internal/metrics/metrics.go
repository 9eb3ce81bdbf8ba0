// Package metrics provides Prometheus metrics collection for rdmalink.
//
// The package exposes metrics at /metrics when a metrics address is configured:
//
// Negotiation Metrics:
//   - rdmalink_negotiations_total: Connection negotiations by role and result
//   - rdmalink_negotiation_duration_seconds: Negotiation latency histogram
//   - rdmalink_negotiation_stage_total: Negotiation stage results
//
// Data Metrics:
//   - rdmalink_operations_total: Read, write, send and recv operations by status
//   - rdmalink_operation_duration_seconds: Operation latency histogram
//   - rdmalink_operation_bytes_total: Bytes moved over the fabric
//   - rdmalink_sync_total: Control channel sync barriers by result
//
// Connection Metrics:
//   - rdmalink_connection_phase: Queue pair phase (0=RESET, 3=RTS)
//   - rdmalink_info: Build and backend information
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultMatch    = "match"
	ResultMismatch = "mismatch"
)

var (
	// NegotiationsTotal counts completed negotiations
	NegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_negotiations_total",
			Help: "Total number of connection negotiations",
		},
		[]string{"role", "result"},
	)

	// NegotiationDuration tracks how long a negotiation takes end to end
	NegotiationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmalink_negotiation_duration_seconds",
			Help:    "Connection negotiation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"role"},
	)

	// NegotiationStagesTotal counts the result of every negotiation stage
	NegotiationStagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_negotiation_stage_total",
			Help: "Total number of negotiation stages by result",
		},
		[]string{"role", "stage", "result"},
	)

	// OperationsTotal counts data operations
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_operations_total",
			Help: "Total number of RDMA data operations",
		},
		[]string{"op", "status"},
	)

	// OperationDuration tracks post-to-completion latency
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmalink_operation_duration_seconds",
			Help:    "RDMA data operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 14), // 1us to ~67s
		},
		[]string{"op"},
	)

	// OperationBytes counts bytes moved by successful operations
	OperationBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_operation_bytes_total",
			Help: "Total bytes moved by RDMA data operations",
		},
		[]string{"op"},
	)

	// SyncTotal counts control channel sync barriers
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_sync_total",
			Help: "Total number of control channel sync barriers",
		},
		[]string{"result"},
	)

	// ConnectionPhase tracks the queue pair phase per role
	ConnectionPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_connection_phase",
			Help: "Current queue pair phase (0=RESET, 1=INIT, 2=RTR, 3=RTS)",
		},
		[]string{"role"},
	)

	// Info exposes build and backend information
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_info",
			Help: "rdmalink build information",
		},
		[]string{"version", "backend"},
	)
)

// Version is set at build time
var Version = "dev"

// Init records which verbs backend is in use
func Init(backend string) {
	Info.Reset()
	Info.WithLabelValues(Version, backend).Set(1)
}

func resultOf(err error) string {
	if err != nil {
		return ResultFailure
	}

	return ResultSuccess
}

// RecordNegotiation records the outcome of a whole negotiation
func RecordNegotiation(role string, duration time.Duration, err error) {
	NegotiationsTotal.WithLabelValues(role, resultOf(err)).Inc()
	if err == nil {
		NegotiationDuration.WithLabelValues(role).Observe(duration.Seconds())
	}
}

// RecordNegotiationStage records the outcome of one negotiation stage
func RecordNegotiationStage(role, stage string, err error) {
	NegotiationStagesTotal.WithLabelValues(role, stage, resultOf(err)).Inc()
}

// RecordOperation records a data operation and the bytes it moved
func RecordOperation(op string, bytes int, duration time.Duration, err error) {
	OperationsTotal.WithLabelValues(op, resultOf(err)).Inc()
	OperationDuration.WithLabelValues(op).Observe(duration.Seconds())

	if err == nil && bytes > 0 {
		OperationBytes.WithLabelValues(op).Add(float64(bytes))
	}
}

// RecordSync records a sync barrier
func RecordSync(matched bool, err error) {
	switch {
	case err != nil:
		SyncTotal.WithLabelValues(ResultFailure).Inc()
	case matched:
		SyncTotal.WithLabelValues(ResultMatch).Inc()
	default:
		SyncTotal.WithLabelValues(ResultMismatch).Inc()
	}
}

// SetConnectionPhase sets the queue pair phase for a role
func SetConnectionPhase(role string, phase int) {
	ConnectionPhase.WithLabelValues(role).Set(float64(phase))
}
