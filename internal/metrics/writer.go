package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writerBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "blocks_total",
		Help:      "Count of blocks applied to the index.",
	}, []string{"status"})

	writerApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "apply_duration_seconds",
		Help:      "Duration of staging one block's write set.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	writerRollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "rollbacks_total",
		Help:      "Count of blocks rolled back during reorgs.",
	}, []string{"status"})

	writerSyncHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "sync_height",
		Help:      "Highest committed canonical height.",
	})

	invariantViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "invariant_violations_total",
		Help:      "Count of persisted-invariant check failures.",
	}, []string{"invariant"})
)

// Writer observes the serializing index writer.
type Writer struct{}

// NewWriter constructs the writer collector.
func NewWriter() *Writer { return &Writer{} }

// ObserveApply records one block application.
func (Writer) ObserveApply(err error, started time.Time) {
	status := statusOf(err)
	writerBlocksTotal.WithLabelValues(status).Inc()
	writerApplyDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// ObserveRollback records one block rollback.
func (Writer) ObserveRollback(err error) {
	writerRollbackTotal.WithLabelValues(statusOf(err)).Inc()
}

// SetSyncHeight publishes the committed height.
func (Writer) SetSyncHeight(height int32) {
	writerSyncHeight.Set(float64(height))
}

// ObserveInvariantViolation bumps the violation counter for one invariant.
func (Writer) ObserveInvariantViolation(invariant string) {
	invariantViolationsTotal.WithLabelValues(invariant).Inc()
}
