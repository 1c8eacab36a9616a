/*
Package metrics provides Prometheus metrics collection and exposition for the
render farm control plane.

Both the scheduler (cuebot) and the execution agent (rqd) import this
package. Metrics are registered once at package init and are safe for
concurrent use from any goroutine.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                 │          │
	│  │  - Global DefaultRegistry                    │          │
	│  │  - MustRegister at package init              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                               │          │
	│  │  Cluster feed / job fetcher: rotations,      │          │
	│  │    sleeping clusters, jobs considered         │          │
	│  │  Host cache: hit/miss, no-candidate, size    │          │
	│  │  Dispatch: latency, dispatched, failed,      │          │
	│  │    advisory lock wait                         │          │
	│  │  Agent (rqd): idle/locked cores, running      │          │
	│  │    frames, report failures/retries, OOM       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint                │          │
	│  │  - Path: /metrics                            │          │
	│  │  - Handler: promhttp.Handler()               │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Scheduler side:

  - cueflow_clusters_visited_total (counter)
  - cueflow_clusters_sleeping (gauge)
  - cueflow_jobs_considered_total (counter)
  - cueflow_host_cache_hits_total / _misses_total / _no_candidate_total (counters)
  - cueflow_host_cache_groups_active, cueflow_host_store_size (gauges)
  - cueflow_dispatch_latency_seconds (histogram)
  - cueflow_frames_dispatched_total (counter)
  - cueflow_frames_dispatch_failed_total{kind} (counter)
  - cueflow_advisory_lock_wait_seconds (histogram)

Agent side:

  - rqd_cores_idle, rqd_cores_locked, rqd_frames_running (gauges)
  - rqd_gpu_memory_idle_bytes (gauge)
  - rqd_report_failures_total{kind}, rqd_report_retries_total (counters)
  - rqd_oom_evictions_total, rqd_oom_freed_bytes_total (counters)

# Usage

	timer := metrics.NewTimer()
	err := dispatchFrame(ctx, frame)
	timer.ObserveDuration(metrics.DispatchLatency)
	if err != nil {
		metrics.FramesDispatchFailed.WithLabelValues(kindOf(err)).Inc()
		return err
	}
	metrics.FramesDispatched.Inc()

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/healthz", metrics.HealthHandler())
	http.Handle("/readyz", metrics.ReadyHandler())

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
