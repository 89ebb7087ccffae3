package cascache

import (
	"sync"

	"github.com/buildstream/cascache/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cascachePrometheusMetrics sync.Once

	cascacheObjectsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildstream",
			Subsystem: "cascache",
			Name:      "objects_pruned_total",
			Help:      "Number of blob objects removed by Prune().",
		})

	cascacheBytesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildstream",
			Subsystem: "cascache",
			Name:      "bytes_freed_total",
			Help:      "Total size in bytes of blob objects removed by Prune().",
		})

	cascachePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildstream",
			Subsystem: "cascache",
			Name:      "pushes_total",
			Help:      "Number of refs pushed to a remote CAS server, by outcome.",
		},
		[]string{"outcome"})

	cascachePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildstream",
			Subsystem: "cascache",
			Name:      "pulls_total",
			Help:      "Number of refs pulled from a remote CAS server, by outcome.",
		},
		[]string{"outcome"})

	cascachePushDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "buildstream",
			Subsystem: "cascache",
			Name:      "push_duration_seconds",
			Help:      "Time spent in Push(), per call.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		})
)

// registerMetrics registers this package's collectors with the default
// Prometheus registry exactly once per process, mirroring
// flatBlobAccess's sync.Once registration idiom.
func registerMetrics() {
	cascachePrometheusMetrics.Do(func() {
		prometheus.MustRegister(cascacheObjectsPruned)
		prometheus.MustRegister(cascacheBytesFreed)
		prometheus.MustRegister(cascachePushes)
		prometheus.MustRegister(cascachePulls)
		prometheus.MustRegister(cascachePushDurationSeconds)
	})
}
