// Package metrics registers the process's Prometheus collectors. Names and
// label sets are kept 1:1 with the reference engine's own metrics module so
// existing dashboards and alerts translate directly; Go naming casing
// (CamelCase vars, snake_case metric names) follows Prometheus's own
// client_golang conventions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	RequestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_requests_total",
		Help: "Total requests received, labeled by request type",
	}, []string{"type"})

	RequestLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mem_etcd_request_latency_seconds",
		Help:    "Request latency distribution",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
	}, []string{"type"})

	InFlightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mem_etcd_in_flight_requests",
		Help: "Number of in-flight requests",
	})

	LockSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_lock_seconds",
		Help: "Amount of time waiting for the lock",
	}, []string{"method", "structure", "rw"})

	LockCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_lock_count",
		Help: "Number of times the lock was acquired",
	}, []string{"method", "structure", "rw"})

	TreeMapItemCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mem_etcd_tree_map_item_count",
		Help: "Number of keys currently stored in the tree map. Never goes down, including when an item is deleted or compacted.",
	}, []string{"prefix"})

	TreeMapSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mem_etcd_tree_map_size_bytes",
		Help: "Approximate total size (in bytes) for items in the tree map",
	})

	RevisionCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mem_etcd_revision_count",
		Help: "Current revision count",
	})

	CompactedRevisionCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mem_etcd_compacted_revision_count",
		Help: "Current compacted revision",
	})

	WatcherCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mem_etcd_watcher_count",
		Help: "Current watcher count",
	})

	RangeResponseBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_range_response_bytes",
		Help: "Total size in bytes of range response KVs",
	}, []string{"prefix"})

	RangeResponseCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_range_response_count",
		Help: "Total number of range response KVs",
	}, []string{"prefix"})

	WatchResponseBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_watch_response_bytes",
		Help: "Total size in bytes of watch response KVs",
	}, []string{"prefix"})

	WatchResponseCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_watch_response_count",
		Help: "Total number of watch response KVs sent",
	}, []string{"prefix"})

	WatchResponsePerWatcherCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_watch_response_per_watcher_count",
		Help: "Total number of watch response KVs sent per watcher",
	}, []string{"prefix"})

	WatchResponseBlockingSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_watch_response_blocking_time_seconds",
		Help: "Total time spent blocking on watch response KVs",
	}, []string{"prefix"})

	WatchResponseBlockingCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_watch_response_blocking_count",
		Help: "Total number of times watch response KVs were blocked",
	}, []string{"prefix"})

	WatchResponseClosedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mem_etcd_watch_response_closed_count",
		Help: "Total number of times we tried to send a watch response to a closed channel",
	}, []string{"prefix"})
)

// ObserveLock records one lock acquisition: how long the caller waited for
// it (since, typically the time just before the Lock/RLock call) plus a
// count, labeled the same way the reference engine's LOCK_COUNT/
// LOCK_TIME_SECONDS are: which method was locking, which structure
// (tree_map/prefix_map), and whether it took a read or write lock.
func ObserveLock(method, structure, rw string, since time.Time) {
	LockCount.WithLabelValues(method, structure, rw).Inc()
	LockSeconds.WithLabelValues(method, structure, rw).Add(time.Since(since).Seconds())
}

// GaugeValue reads a Gauge's current value synchronously, for handlers (like
// Maintenance.Status) that need to report a metric inline in an RPC response
// rather than only exposing it via /metrics.
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatencySeconds,
		InFlightRequests,
		LockSeconds,
		LockCount,
		TreeMapItemCount,
		TreeMapSizeBytes,
		RevisionCount,
		CompactedRevisionCount,
		WatcherCount,
		RangeResponseBytes,
		RangeResponseCount,
		WatchResponseBytes,
		WatchResponseCount,
		WatchResponsePerWatcherCount,
		WatchResponseBlockingSeconds,
		WatchResponseBlockingCount,
		WatchResponseClosedCount,
	)
}
