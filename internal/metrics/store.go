// Package metrics defines the Prometheus collectors of the indexer core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pivxinsight"

var (
	storeWriteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_total",
		Help:      "Count of committed store batches.",
	}, []string{"status"})

	storeWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_duration_seconds",
		Help:      "Commit latency of store batches.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	storeWriteOps = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_ops",
		Help:      "Operations per committed batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	storeWriteBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_bytes",
		Help:      "Payload bytes per committed batch.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 12),
	})
)

// Store observes embedded-store commits.
type Store struct{}

// NewStore constructs the store collector.
func NewStore() *Store { return &Store{} }

// ObserveWrite records one batch commit.
func (Store) ObserveWrite(err error, ops, bytes int, started time.Time) {
	status := statusOf(err)
	storeWriteTotal.WithLabelValues(status).Inc()
	storeWriteDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
	if err == nil {
		storeWriteOps.Observe(float64(ops))
		storeWriteBytes.Observe(float64(bytes))
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
