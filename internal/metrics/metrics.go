// Package metrics provides Prometheus metrics for the build-fix engine:
// cache effectiveness, task throughput, worker liveness, and validation
// outcomes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	// Analyzer
	AnalysisRunsTotal  prometheus.Counter
	AnalysisDuration   prometheus.Histogram
	ErrorsObserved     prometheus.Counter
	SampledRunsTotal   prometheus.Counter

	// Execution cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Coordinator
	TasksTotal        *prometheus.CounterVec
	ActiveWorkers     prometheus.Gauge
	HeartbeatFailures prometheus.Counter

	// Validate loop
	ValidationsTotal *prometheus.CounterVec

	// File locks
	LockConflictsTotal prometheus.Counter
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.AnalysisRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "analyzer",
		Name:      "runs_total",
		Help:      "Total number of analysis runs",
	})
	m.AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buildfix",
		Subsystem: "analyzer",
		Name:      "duration_seconds",
		Help:      "Duration of analysis runs",
		Buckets:   prometheus.DefBuckets,
	})
	m.ErrorsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "analyzer",
		Name:      "errors_observed_total",
		Help:      "Total error lines observed across analysis runs",
	})
	m.SampledRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "analyzer",
		Name:      "sampled_runs_total",
		Help:      "Analysis runs where sampling was active",
	})

	m.CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Execution cache hits by agent",
	}, []string{"agent"})
	m.CacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Execution cache misses by agent",
	}, []string{"agent"})

	m.TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "coordinator",
		Name:      "tasks_total",
		Help:      "Tasks by terminal status",
	}, []string{"status"})
	m.ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildfix",
		Subsystem: "coordinator",
		Name:      "active_workers",
		Help:      "Workers currently eligible for distribution",
	})
	m.HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "coordinator",
		Name:      "heartbeat_failures_total",
		Help:      "Heartbeat checks that demoted a worker",
	})

	m.ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "validate",
		Name:      "outcomes_total",
		Help:      "Fix validation outcomes",
	}, []string{"outcome"})

	m.LockConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildfix",
		Subsystem: "lock",
		Name:      "conflicts_total",
		Help:      "File lock claims denied because another agent holds the lock",
	})

	return m
}
