package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter         = prometheus.NewCounter(prometheus.CounterOpts{Name: "calls_enqueued_total", Help: "Calls enqueued for processing"})
	RateLimitRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "calls_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	TranscriptionCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcriptions_completed_total", Help: "Transcriptions persisted as completed"})
	TranscriptionFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcriptions_failed_total", Help: "Transcriptions persisted as failed"})
	ExtractionCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "lead_extractions_completed_total", Help: "Lead extractions persisted as completed"})
	ExtractionFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "lead_extractions_failed_total", Help: "Lead extractions persisted as failed"})
	LLMRequests            = prometheus.NewCounter(prometheus.CounterOpts{Name: "llm_requests_total", Help: "Structured-extraction requests attempted"})
	LLMFailures            = prometheus.NewCounter(prometheus.CounterOpts{Name: "llm_failures_total", Help: "Structured-extraction requests that failed after retries"})
	QueueDepthGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "calls_queue_depth", Help: "Dispatch queue depth"})
	InFlightGauge          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "calls_inflight", Help: "Calls currently being processed by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			TranscriptionCompleted,
			TranscriptionFailed,
			ExtractionCompleted,
			ExtractionFailed,
			LLMRequests,
			LLMFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
