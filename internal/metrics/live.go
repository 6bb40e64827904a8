package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	livePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "polls_total",
		Help:      "Count of tip polls against the node.",
	}, []string{"status"})

	liveCatchupBlocks = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "catchup_blocks",
		Help:      "Blocks ingested per catchup round.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	liveReorgsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "reorgs_total",
		Help:      "Count of detected reorganizations.",
	}, []string{"outcome"})

	liveReorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "reorg_depth",
		Help:      "Depth of repaired reorganizations.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	liveNetworkHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "network_height",
		Help:      "Best height reported by the node.",
	})
)

// Live observes the live-sync controller.
type Live struct{}

// NewLive constructs the live controller collector.
func NewLive() *Live { return &Live{} }

// ObservePoll records one tip poll.
func (Live) ObservePoll(err error) {
	livePollsTotal.WithLabelValues(statusOf(err)).Inc()
}

// ObserveCatchup records the size of one catchup round.
func (Live) ObserveCatchup(blocks int) {
	liveCatchupBlocks.Observe(float64(blocks))
}

// ObserveReorg records a repaired or refused reorganization.
func (Live) ObserveReorg(depth uint32, repaired bool) {
	outcome := "repaired"
	if !repaired {
		outcome = "deep"
	}
	liveReorgsTotal.WithLabelValues(outcome).Inc()
	if repaired {
		liveReorgDepth.Observe(float64(depth))
	}
}

// SetNetworkHeight publishes the node's reported best height.
func (Live) SetNetworkHeight(height int64) {
	liveNetworkHeight.Set(float64(height))
}

// enrichment metrics live with the background job.
var (
	enrichmentRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrichment",
		Name:      "runs_total",
		Help:      "Count of enrichment job runs.",
	}, []string{"status"})

	enrichmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "enrichment",
		Name:      "run_duration_seconds",
		Help:      "Duration of enrichment job runs.",
		Buckets:   []float64{1, 10, 60, 300, 1800, 7200, 21600},
	}, []string{"status"})
)

// Enrichment observes the post-sync enrichment job.
type Enrichment struct{}

// NewEnrichment constructs the enrichment collector.
func NewEnrichment() *Enrichment { return &Enrichment{} }

// ObserveRun records one enrichment run.
func (Enrichment) ObserveRun(err error, started time.Time) {
	status := statusOf(err)
	enrichmentRunsTotal.WithLabelValues(status).Inc()
	enrichmentDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}
