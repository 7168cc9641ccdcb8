// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters (labelled by job kind)
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobsRejected  *prometheus.CounterVec

	HighlightsDetected prometheus.Counter
	ExtractionsFailed  prometheus.Counter
	ProgressDropped    prometheus.Counter

	// Histograms (seconds)
	JobDuration        *prometheus.HistogramVec
	ExtractionDuration prometheus.Observer
	AnalysisDuration   prometheus.Observer

	// Gauges
	ActiveJobsGauge          prometheus.Gauge
	JobQueueDepthGauge       prometheus.Gauge
	ProgressSubscribersGauge prometheus.Gauge
	ActiveExtractionsGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_jobs_enqueued_total", Help: "Jobs accepted by enqueue"}, []string{"kind"})
		JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_jobs_completed_total", Help: "Jobs that reached COMPLETED"}, []string{"kind"})
		JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_jobs_failed_total", Help: "Jobs that reached FAILED"}, []string{"kind"})
		JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_jobs_retried_total", Help: "Job attempts retried after a transient failure"}, []string{"kind"})
		JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_jobs_rejected_total", Help: "Enqueues rejected because the resource had an in-flight job"}, []string{"kind"})
		HighlightsDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_highlights_detected_total", Help: "Highlights produced by chat analysis"})
		ExtractionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_extractions_failed_total", Help: "Clip extractions that returned a failure result"})
		ProgressDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_progress_events_dropped_total", Help: "Progress events not delivered to a slow subscriber or sink"})
		JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "clip_job_duration_seconds", Help: "Wall time from first attempt to terminal state", Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800}}, []string{"kind"})
		ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_extraction_duration_seconds", Help: "Duration of one clip extraction", Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600}})
		AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_analysis_duration_seconds", Help: "Duration of chat bucketing plus detection", Buckets: prometheus.DefBuckets})
		ActiveJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_jobs_active", Help: "Jobs currently executing"})
		JobQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_job_queue_depth", Help: "Jobs waiting for a worker"})
		ProgressSubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_progress_subscribers", Help: "Open progress subscriptions"})
		ActiveExtractionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_extractions_active", Help: "Extractions holding a concurrency slot"})
	})
}

func inc(v *prometheus.CounterVec, kind string) {
	if v != nil {
		v.WithLabelValues(kind).Inc()
	}
}

func JobEnqueued(kind string)  { inc(JobsEnqueued, kind) }
func JobCompleted(kind string) { inc(JobsCompleted, kind) }
func JobFailed(kind string)    { inc(JobsFailed, kind) }
func JobRetried(kind string)   { inc(JobsRetried, kind) }
func JobRejected(kind string)  { inc(JobsRejected, kind) }

// ObserveJobDuration records a finished job's wall time.
func ObserveJobDuration(kind string, d time.Duration) {
	if JobDuration != nil {
		JobDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func IncActiveJobs() {
	if ActiveJobsGauge != nil {
		ActiveJobsGauge.Inc()
	}
}

func DecActiveJobs() {
	if ActiveJobsGauge != nil {
		ActiveJobsGauge.Dec()
	}
}

// SetJobQueueDepth records how many jobs wait for a worker.
func SetJobQueueDepth(n int) {
	if JobQueueDepthGauge != nil {
		JobQueueDepthGauge.Set(float64(n))
	}
}

// SetProgressSubscribers records the number of open progress subscriptions.
func SetProgressSubscribers(n int) {
	if ProgressSubscribersGauge != nil {
		ProgressSubscribersGauge.Set(float64(n))
	}
}

func IncProgressDropped() {
	if ProgressDropped != nil {
		ProgressDropped.Inc()
	}
}

// AddHighlights counts highlights produced by one analysis.
func AddHighlights(n int) {
	if HighlightsDetected != nil && n > 0 {
		HighlightsDetected.Add(float64(n))
	}
}

func IncExtractionFailed() {
	if ExtractionsFailed != nil {
		ExtractionsFailed.Inc()
	}
}

// SetActiveExtractions records how many extraction slots are held.
func SetActiveExtractions(n int) {
	if ActiveExtractionsGauge != nil {
		ActiveExtractionsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
