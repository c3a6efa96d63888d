package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle names used as metric labels.
const (
	CycleIngest    = "ingest"
	CycleReconcile = "reconcile"
	CycleNotice    = "notice"
	CycleSweep     = "sweep"
)

// CycleMetrics captures reconciliation engine health signals.
type CycleMetrics struct {
	cycleRuns        *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	cycleErrors      *prometheus.CounterVec
	membersAdded     prometheus.Counter
	membersRemoved   prometheus.Counter
	paymentsIngested prometheus.Counter
	artifactsEvicted prometheus.Counter
	storageUsedMB    prometheus.Gauge
}

var (
	cycleMetricsOnce sync.Once
	cycleMetrics     *CycleMetrics
)

// Cycle returns the singleton cycle metrics registry.
func Cycle() *CycleMetrics {
	cycleMetricsOnce.Do(func() {
		cycleMetrics = newCycleMetrics(prometheus.DefaultRegisterer)
	})
	return cycleMetrics
}

// ResetCycleMetricsForTest resets the cycle metrics singleton for tests.
func ResetCycleMetricsForTest() {
	cycleMetricsOnce = sync.Once{}
	cycleMetrics = nil
}

func newCycleMetrics(registerer prometheus.Registerer) *CycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	cycleRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membersync_cycle_runs_total",
		Help: "Cycle runs by name.",
	}, []string{"cycle"})
	cycleDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "membersync_cycle_duration_seconds",
		Help:    "Cycle latency by name.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"cycle"})
	cycleErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membersync_cycle_errors_total",
		Help: "Cycle failures by name.",
	}, []string{"cycle"})
	membersAdded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membersync_members_added_total",
		Help: "Members added to the group by the executor.",
	})
	membersRemoved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membersync_members_removed_total",
		Help: "Members removed from the group by the executor.",
	})
	paymentsIngested := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membersync_payments_ingested_total",
		Help: "Payment rows imported from export artifacts.",
	})
	artifactsEvicted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membersync_artifacts_evicted_total",
		Help: "Export artifacts evicted to stay under the storage ceiling.",
	})
	storageUsedMB := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "membersync_storage_used_mb",
		Help: "Combined artifact and database footprint in MB.",
	})

	registerer.MustRegister(
		cycleRuns,
		cycleDuration,
		cycleErrors,
		membersAdded,
		membersRemoved,
		paymentsIngested,
		artifactsEvicted,
		storageUsedMB,
	)

	return &CycleMetrics{
		cycleRuns:        cycleRuns,
		cycleDuration:    cycleDuration,
		cycleErrors:      cycleErrors,
		membersAdded:     membersAdded,
		membersRemoved:   membersRemoved,
		paymentsIngested: paymentsIngested,
		artifactsEvicted: artifactsEvicted,
		storageUsedMB:    storageUsedMB,
	}
}

// IncCycleRun increments the run counter for a cycle.
func (m *CycleMetrics) IncCycleRun(cycle string) {
	if m == nil || m.cycleRuns == nil {
		return
	}
	m.cycleRuns.WithLabelValues(cycle).Inc()
}

// ObserveCycleDuration records cycle latency in seconds.
func (m *CycleMetrics) ObserveCycleDuration(cycle string, duration time.Duration) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.WithLabelValues(cycle).Observe(duration.Seconds())
}

// IncCycleError increments the failure counter for a cycle.
func (m *CycleMetrics) IncCycleError(cycle string) {
	if m == nil || m.cycleErrors == nil {
		return
	}
	m.cycleErrors.WithLabelValues(cycle).Inc()
}

// AddMembersAdded records executed group additions.
func (m *CycleMetrics) AddMembersAdded(n int) {
	if m == nil || m.membersAdded == nil || n <= 0 {
		return
	}
	m.membersAdded.Add(float64(n))
}

// AddMembersRemoved records executed group removals.
func (m *CycleMetrics) AddMembersRemoved(n int) {
	if m == nil || m.membersRemoved == nil || n <= 0 {
		return
	}
	m.membersRemoved.Add(float64(n))
}

// AddPaymentsIngested records imported payment rows.
func (m *CycleMetrics) AddPaymentsIngested(n int) {
	if m == nil || m.paymentsIngested == nil || n <= 0 {
		return
	}
	m.paymentsIngested.Add(float64(n))
}

// IncArtifactEvicted records one artifact eviction.
func (m *CycleMetrics) IncArtifactEvicted() {
	if m == nil || m.artifactsEvicted == nil {
		return
	}
	m.artifactsEvicted.Inc()
}

// SetStorageUsedMB publishes the latest storage measurement.
func (m *CycleMetrics) SetStorageUsedMB(mb float64) {
	if m == nil || m.storageUsedMB == nil {
		return
	}
	m.storageUsedMB.Set(mb)
}
