// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueDepth          *prometheus.GaugeVec
	activeWorkers       *prometheus.GaugeVec
	stageOutcomesTotal  *prometheus.CounterVec
	downloadBytesTotal  prometheus.Counter
	sessionAgeSeconds   prometheus.Gauge
	sessionRenewalTotal *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	channelsScannedTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Number of work items currently queued, labeled by stage.",
			},
			[]string{"stage"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently processing an item, labeled by stage.",
			},
			[]string{"stage"},
		)

		stageOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_stage_outcomes_total",
				Help: "Total items processed by a stage, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_download_bytes_total",
				Help: "Total bytes written to disk by the download engine.",
			},
		)

		sessionAgeSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_session_age_seconds",
				Help: "Age of the current solver session in seconds.",
			},
		)

		sessionRenewalTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_session_renewal_total",
				Help: "Total solver session renewals, labeled by reason.",
			},
			[]string{"reason"},
		)

		stageDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Histogram of per-item processing durations, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
			},
			[]string{"stage"},
		)

		channelsScannedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_channels_scanned_total",
				Help: "Total channel scans performed, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth records the current depth of a stage's queue.
func SetQueueDepth(stage string, depth int) {
	Init()
	queueDepth.WithLabelValues(stage).Set(float64(depth))
}

// IncActiveWorkers increments the active-worker gauge for a stage.
func IncActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active-worker gauge for a stage.
func DecActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Dec()
}

// ObserveStageOutcome records the terminal outcome of processing one item in a stage.
func ObserveStageOutcome(stage, outcome string) {
	Init()
	stageOutcomesTotal.WithLabelValues(stage, outcome).Inc()
}

// AddDownloadBytes adds n bytes to the cumulative download byte counter.
func AddDownloadBytes(n int64) {
	Init()
	if n > 0 {
		downloadBytesTotal.Add(float64(n))
	}
}

// SetSessionAge records the current age of the solver session.
func SetSessionAge(age time.Duration) {
	Init()
	sessionAgeSeconds.Set(age.Seconds())
}

// ObserveSessionRenewal increments the renewal counter for the given reason
// (e.g. "expired", "ban", "startup").
func ObserveSessionRenewal(reason string) {
	Init()
	sessionRenewalTotal.WithLabelValues(reason).Inc()
}

// ObserveStageDuration records how long a single item took to move through a stage.
func ObserveStageDuration(stage string, d time.Duration) {
	Init()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveChannelScan records the outcome of scanning one channel.
func ObserveChannelScan(outcome string) {
	Init()
	channelsScannedTotal.WithLabelValues(outcome).Inc()
}
