package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the ingestion loops. A nil registerer builds
// unregistered metrics, which tests rely on.
type Metrics struct {
	BlocksImported prometheus.Counter
	RangesRequeued prometheus.Counter
	ImportDuration prometheus.Histogram
	TipHeight      prometheus.Gauge
	MissingBlocks  prometheus.Gauge
}

// NewMetrics builds the fetch metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BlocksImported: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "fetch",
			Name:      "blocks_imported_total",
			Help:      "Blocks successfully imported.",
		}),
		RangesRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "fetch",
			Name:      "ranges_requeued_total",
			Help:      "Block ranges re-queued after a transient failure.",
		}),
		ImportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "indexer",
			Subsystem: "fetch",
			Name:      "import_range_duration_seconds",
			Help:      "Wall time of one import_range, fetch to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		TipHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "indexer",
			Subsystem: "fetch",
			Name:      "tip_height",
			Help:      "Latest block number reported by the node.",
		}),
		MissingBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "indexer",
			Subsystem: "fetch",
			Name:      "missing_blocks",
			Help:      "Missing blocks found by the last catch-up pass.",
		}),
	}
}
