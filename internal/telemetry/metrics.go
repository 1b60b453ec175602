package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "creatives_batches_started_total", Help: "Batch jobs accepted by the API"})
	BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "creatives_batches_completed_total", Help: "Batch jobs reaching a terminal state"})
	ItemsProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "creatives_items_processed_total", Help: "Work items rendered and published successfully"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "creatives_items_failed_total", Help: "Work items that failed and were isolated"})
	Previews         = prometheus.NewCounter(prometheus.CounterOpts{Name: "creatives_previews_total", Help: "Synchronous preview renders served"})
	UploadRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "creatives_upload_retries_total", Help: "Storage upload attempts beyond the first"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "creatives_rate_limit_rejects_total", Help: "API requests rejected by the tenant rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "creatives_queue_depth", Help: "Batches waiting for a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "creatives_batches_inflight", Help: "Batches currently leased by workers"})
	RenderDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "creatives_render_duration_seconds",
		Help:    "Single-item render latency (resolve, rasterize, encode)",
		Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesStarted,
			BatchesCompleted,
			ItemsProcessed,
			ItemsFailed,
			Previews,
			UploadRetries,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			RenderDuration,
		)
	})
	return promhttp.Handler()
}
