package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "blocks_total",
		Help:      "Count of blocks read from blk files.",
	}, []string{"status"})

	pipelineReadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "read_duration_seconds",
		Help:      "Duration of reading and parsing one block.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	pipelineQuarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "quarantined_total",
		Help:      "Count of blocks sent to quarantine.",
	})

	pipelineRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "read_retries_total",
		Help:      "Count of retried transient file reads.",
	})
)

// Pipeline observes the block-file pipeline.
type Pipeline struct{}

// NewPipeline constructs the pipeline collector.
func NewPipeline() *Pipeline { return &Pipeline{} }

// ObserveBlock records one block read attempt.
func (Pipeline) ObserveBlock(err error, started time.Time) {
	status := statusOf(err)
	pipelineBlocksTotal.WithLabelValues(status).Inc()
	pipelineReadDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// ObserveQuarantine records one quarantined block.
func (Pipeline) ObserveQuarantine() { pipelineQuarantinedTotal.Inc() }

// ObserveRetry records one transient read retry.
func (Pipeline) ObserveRetry() { pipelineRetriesTotal.Inc() }
