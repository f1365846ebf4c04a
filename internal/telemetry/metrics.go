package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks HTTP request latency. NewMetricsRegistry
// registers it itself, unlike the component collectors below, which are
// passed in through All().
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instancer",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var LockAcquireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Total number of lock acquire attempts by outcome.",
	},
	[]string{"outcome"}, // "acquired" | "already_locked"
)

var InstanceStartsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "engine",
		Name:      "starts_total",
		Help:      "Total number of instance start/renew calls by outcome.",
	},
	[]string{"outcome"}, // "created" | "renewed" | "unavailable" | "error"
)

var InstanceStopsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "engine",
		Name:      "stops_total",
		Help:      "Total number of instance stop calls (explicit or reaped).",
	},
)

var RollbacksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "engine",
		Name:      "rollbacks_total",
		Help:      "Total number of namespace creations rolled back after a partial failure.",
	},
)

var ReaperExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "reaper",
		Name:      "expired_total",
		Help:      "Total number of namespaces deleted by the reaper for expiry.",
	},
)

var ReaperResyncDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "instancer",
		Subsystem: "reaper",
		Name:      "resync_duration_seconds",
		Help:      "Duration of a reaper resync pass.",
		Buckets:   prometheus.DefBuckets,
	},
)

var ReaperDriftCorrectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "reaper",
		Name:      "drift_corrected_total",
		Help:      "Total number of index entries corrected during resync.",
	},
	[]string{"direction"}, // "removed"
)

var CatalogCacheTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "catalog",
		Name:      "cache_total",
		Help:      "Total number of catalog cache lookups by outcome.",
	},
	[]string{"outcome"}, // "hit" | "miss"
)

// All returns all instancer-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LockAcquireTotal,
		InstanceStartsTotal,
		InstanceStopsTotal,
		RollbacksTotal,
		ReaperExpiredTotal,
		ReaperResyncDuration,
		ReaperDriftCorrectedTotal,
		CatalogCacheTotal,
	}
}
