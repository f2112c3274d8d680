package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream HTTP and RPC calls by endpoint and outcome",
	}, []string{"endpoint", "status"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feetracker",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Upstream call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "upstream",
		Name:      "rate_limit_waits_total",
		Help:      "Times an explorer request waited on the local rate limiter",
	})

	EventsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "source",
		Name:      "events_fetched_total",
		Help:      "Transfer events returned by the explorer",
	}, []string{"job"})

	// Pipeline
	RecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "pipeline",
		Name:      "records_ingested_total",
		Help:      "Records persisted by the ingestion pipeline",
	})

	RecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "pipeline",
		Name:      "records_skipped_total",
		Help:      "Events skipped by the pipeline, by reason",
	}, []string{"reason"})

	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "pipeline",
		Name:      "errors_total",
		Help:      "Per-event pipeline faults, by stage",
	}, []string{"stage"})

	PriceDecodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "pipeline",
		Name:      "price_decodes_total",
		Help:      "Execution price decode attempts by result",
	}, []string{"result"})

	// Poller
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "feetracker",
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one poll cycle",
		Buckets:   prometheus.DefBuckets,
	})

	CycleFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "poller",
		Name:      "cycle_faults_total",
		Help:      "Poll cycles that hit a fault, by stage",
	}, []string{"stage"})

	WatermarkLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "feetracker",
		Subsystem: "poller",
		Name:      "watermark_lag_seconds",
		Help:      "Seconds between now and the computed watermark",
	})

	QuotePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "feetracker",
		Subsystem: "oracle",
		Name:      "quote_price",
		Help:      "Last quote price observed by the poller",
	})

	// Backfill
	BackfillRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "backfill",
		Name:      "runs_total",
		Help:      "Backfill jobs by outcome",
	}, []string{"status"})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feetracker",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Read API requests",
	}, []string{"method", "route", "status"})
)

// StatusLabel folds an error into the label used by the upstream counters.
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
