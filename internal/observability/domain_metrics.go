package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	exportRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakehouse_export_requests_total",
			Help: "Export requests by the state reported to the caller.",
		},
		[]string{"state"},
	)
	exportJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakehouse_export_jobs_total",
			Help: "Finished conversion jobs by format and outcome.",
		},
		[]string{"format", "outcome"},
	)
	exportJobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lakehouse_export_job_duration_seconds",
			Help:    "Conversion job wall time from PROCESSING to a terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"format"},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakehouse_cache_lookups_total",
			Help: "Memoized lookups by cache name and result.",
		},
		[]string{"cache", "result"},
	)
	querySubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakehouse_query_submissions_total",
			Help: "Query submissions, split by whether an existing query id was reused.",
		},
		[]string{"deduplicated"},
	)
	workerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lakehouse_worker_queue_depth",
			Help: "Export jobs waiting for a worker.",
		},
	)
	workerBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lakehouse_worker_busy",
			Help: "Workers currently running a conversion job.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		exportRequestsTotal,
		exportJobsTotal,
		exportJobDurationSeconds,
		cacheLookupsTotal,
		querySubmissionsTotal,
		workerQueueDepth,
		workerBusy,
	)
}

func ObserveExportRequest(state string) {
	exportRequestsTotal.WithLabelValues(state).Inc()
}

func ObserveExportJob(format, outcome string, elapsed time.Duration) {
	exportJobsTotal.WithLabelValues(format, outcome).Inc()
	exportJobDurationSeconds.WithLabelValues(format).Observe(elapsed.Seconds())
}

func ObserveCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

func ObserveQuerySubmission(deduplicated bool) {
	label := "false"
	if deduplicated {
		label = "true"
	}
	querySubmissionsTotal.WithLabelValues(label).Inc()
}

func SetWorkerQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	workerQueueDepth.Set(float64(depth))
}

func AddWorkerBusy(delta int) {
	workerBusy.Add(float64(delta))
}
