package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks Acquire outcomes by result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "semaphore_acquire_total",
		Help: "Total number of Acquire operations by result",
	}, []string{"result"})
	// ReleaseCounter tracks Release outcomes by result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "semaphore_release_total",
		Help: "Total number of Release operations by result",
	}, []string{"result"})
	// CASRetryCounter counts compare-and-swap attempts lost to a concurrent writer.
	CASRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "semaphore_cas_retries_total",
		Help: "Total number of compare-and-swap retries caused by concurrent writers",
	})
	// SweepPurgedCounter counts expired entries removed by the sweeper.
	SweepPurgedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "semaphore_sweep_purged_total",
		Help: "Total number of expired leases purged by the sweeper",
	})
	// StoredLeasesGauge reports the number of physically stored entries seen by the last sweep.
	StoredLeasesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "semaphore_stored_leases",
		Help: "Number of lease entries held by the store at the last sweep",
	})
	// WatcherGauge reports the number of active event watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "semaphore_watchers",
		Help: "Current number of active lease event watchers",
	})
	// OperationLatency observes manager operation latency by operation name.
	OperationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semaphore_operation_seconds",
		Help:    "Latency of lease operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the semaphore collectors on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ReleaseCounter,
		CASRetryCounter,
		SweepPurgedCounter,
		StoredLeasesGauge,
		WatcherGauge,
		OperationLatency,
	)
}
