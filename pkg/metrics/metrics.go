package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task store metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpersist_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpersist_sessions_total",
			Help: "Total number of sessions by state",
		},
		[]string{"state"},
	)

	CheckpointsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpersist_checkpoints_total",
			Help: "Total number of retained checkpoints",
		},
	)

	AuditEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_audit_entries_total",
			Help: "Total number of audit log entries appended",
		},
	)

	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpersist_operations_total",
			Help: "Total number of TaskStore operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpersist_operation_duration_seconds",
			Help:    "TaskStore operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpersist_cache_evictions_total",
			Help: "Total number of cache evictions by reason",
		},
		[]string{"reason"},
	)

	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpersist_cache_size",
			Help: "Current number of entries held in the cache",
		},
	)

	// Lock metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskpersist_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire an advisory file lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_lock_timeouts_total",
			Help: "Total number of lock acquisitions that exceeded their budget",
		},
	)

	StaleLocksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_stale_locks_reaped_total",
			Help: "Total number of stale advisory locks reaped",
		},
	)

	// Checkpoint metrics
	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskpersist_checkpoint_duration_seconds",
			Help:    "Time taken to create a checkpoint in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointRestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskpersist_checkpoint_restore_duration_seconds",
			Help:    "Time taken to restore a checkpoint in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Integrity metrics
	CorruptionDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpersist_corruption_detected_total",
			Help: "Total number of corruption detections by detector type",
		},
		[]string{"detector"},
	)

	RepairsAttemptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpersist_repairs_attempted_total",
			Help: "Total number of repair strategy attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	AuditChainVerifyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_audit_chain_verify_failures_total",
			Help: "Total number of audit hash-chain verification failures detected",
		},
	)

	// Session metrics
	CrashesDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_crashes_detected_total",
			Help: "Total number of prior sessions reclassified as crashed",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpersist_heartbeats_total",
			Help: "Total number of session heartbeats emitted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		SessionsTotal,
		CheckpointsTotal,
		AuditEntriesTotal,
		OperationsTotal,
		OperationDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheSize,
		LockWaitDuration,
		LockTimeoutsTotal,
		StaleLocksReapedTotal,
		CheckpointDuration,
		CheckpointRestoreDuration,
		CorruptionDetectedTotal,
		RepairsAttemptedTotal,
		AuditChainVerifyFailuresTotal,
		CrashesDetectedTotal,
		HeartbeatsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
