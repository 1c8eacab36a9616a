package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster feed / job fetcher metrics
	ClustersVisited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cueflow_clusters_visited_total",
			Help: "Total number of cluster-feed rotations visited",
		},
	)

	ClustersSleeping = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cueflow_clusters_sleeping",
			Help: "Number of clusters currently sleeping in the cluster feed",
		},
	)

	JobsConsideredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cueflow_jobs_considered_total",
			Help: "Total number of jobs considered by the job fetcher",
		},
	)

	// Host cache metrics
	HostCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cueflow_host_cache_hits_total",
			Help: "Total number of host cache checkouts satisfied without a DB fetch",
		},
	)

	HostCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cueflow_host_cache_misses_total",
			Help: "Total number of host cache checkouts that required a DB fetch",
		},
	)

	HostCacheNoCandidates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cueflow_host_cache_no_candidate_total",
			Help: "Total number of host cache checkouts that failed with no candidate available",
		},
	)

	HostCacheGroupsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cueflow_host_cache_groups_active",
			Help: "Number of host cache groups currently held in memory",
		},
	)

	HostStoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cueflow_host_store_size",
			Help: "Number of hosts currently tracked by the global host store",
		},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cueflow_dispatch_latency_seconds",
			Help:    "Time taken to dispatch a single frame, lock acquire through gRPC launch",
			Buckets: prometheus.DefBuckets,
		},
	)

	FramesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cueflow_frames_dispatched_total",
			Help: "Total number of frames successfully transitioned WAITING to RUNNING",
		},
	)

	FramesDispatchFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cueflow_frames_dispatch_failed_total",
			Help: "Total number of frame dispatch attempts that failed, by error kind",
		},
		[]string{"kind"},
	)

	AdvisoryLockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cueflow_advisory_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-host advisory lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Agent (rqd) metrics
	AgentCoresIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rqd_cores_idle",
			Help: "Idle whole cores currently available for reservation",
		},
	)

	AgentCoresLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rqd_cores_locked",
			Help: "Cores locked out of scheduling, NIMBY or operator lock",
		},
	)

	AgentFramesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rqd_frames_running",
			Help: "Number of frames currently running on this host",
		},
	)

	AgentGPUMemoryIdleBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rqd_gpu_memory_idle_bytes",
			Help: "Idle GPU memory currently available for reservation",
		},
	)

	AgentReportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rqd_report_failures_total",
			Help: "Total number of failed status/completion reports to the scheduler, by kind",
		},
		[]string{"kind"},
	)

	AgentReportRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rqd_report_retries_total",
			Help: "Total number of RPC retry attempts issued by the report client middleware",
		},
	)

	OOMEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rqd_oom_evictions_total",
			Help: "Total number of frames killed by the OOM-pressure eviction policy",
		},
	)

	OOMFreedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rqd_oom_freed_bytes_total",
			Help: "Cumulative memory reclaimed by the OOM-pressure eviction policy",
		},
	)
)

func init() {
	// Scheduler-side metrics
	prometheus.MustRegister(ClustersVisited)
	prometheus.MustRegister(ClustersSleeping)
	prometheus.MustRegister(JobsConsideredTotal)
	prometheus.MustRegister(HostCacheHits)
	prometheus.MustRegister(HostCacheMisses)
	prometheus.MustRegister(HostCacheNoCandidates)
	prometheus.MustRegister(HostCacheGroupsActive)
	prometheus.MustRegister(HostStoreSize)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(FramesDispatched)
	prometheus.MustRegister(FramesDispatchFailed)
	prometheus.MustRegister(AdvisoryLockWaitSeconds)

	// Agent-side metrics
	prometheus.MustRegister(AgentCoresIdle)
	prometheus.MustRegister(AgentCoresLocked)
	prometheus.MustRegister(AgentFramesRunning)
	prometheus.MustRegister(AgentGPUMemoryIdleBytes)
	prometheus.MustRegister(AgentReportFailures)
	prometheus.MustRegister(AgentReportRetries)
	prometheus.MustRegister(OOMEvictionsTotal)
	prometheus.MustRegister(OOMFreedBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
