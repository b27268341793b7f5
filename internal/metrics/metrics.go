package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportJobs counts finished import jobs by terminal status
	ImportJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvrguide_import_jobs_total",
		Help: "Total number of finished import jobs",
	}, []string{"status"})

	// ImportChannels counts reconciled channels by outcome
	// (created, updated, deactivated, failed)
	ImportChannels = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvrguide_import_channels_total",
		Help: "Total number of channels processed by imports",
	}, []string{"result"})

	// FetchBytes counts bytes written by the downloader
	FetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pvrguide_fetch_bytes_total",
		Help: "Total number of bytes downloaded",
	})

	// FetchErrors counts failed downloads by error kind
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvrguide_fetch_errors_total",
		Help: "Total number of failed downloads",
	}, []string{"kind"})

	// EPGMappings counts mappings written by match method
	EPGMappings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvrguide_epg_mappings_total",
		Help: "Total number of channel to EPG mappings written",
	}, []string{"method"})

	// AutoMapDuration observes the wall time of auto-mapping passes
	AutoMapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pvrguide_automap_duration_seconds",
		Help:    "Duration of EPG auto-mapping passes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

var activeOnce sync.Once

// RegisterActiveJobs exposes the number of unfinished jobs as the
// pvrguide_jobs_active gauge. Only the first call registers.
func RegisterActiveJobs(count func() int) {
	activeOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pvrguide_jobs_active",
			Help: "Number of import jobs that have not finished",
		}, func() float64 { return float64(count()) })
	})
}

// RecordImportJob increments the finished job counter for status
func RecordImportJob(status string) {
	ImportJobs.WithLabelValues(status).Inc()
}

// RecordImportChannels adds the outcome counts of one reconciliation pass
func RecordImportChannels(created, updated, deactivated, failed int) {
	ImportChannels.WithLabelValues("created").Add(float64(created))
	ImportChannels.WithLabelValues("updated").Add(float64(updated))
	ImportChannels.WithLabelValues("deactivated").Add(float64(deactivated))
	ImportChannels.WithLabelValues("failed").Add(float64(failed))
}

// RecordFetchBytes adds n downloaded bytes
func RecordFetchBytes(n int64) {
	if n > 0 {
		FetchBytes.Add(float64(n))
	}
}

// RecordFetchError increments the fetch error counter for kind
func RecordFetchError(kind string) {
	FetchErrors.WithLabelValues(kind).Inc()
}

// RecordMapping increments the mapping counter for method
func RecordMapping(method string) {
	EPGMappings.WithLabelValues(method).Inc()
}

// ObserveAutoMap records the duration of an auto-mapping pass started at start
func ObserveAutoMap(start time.Time) {
	AutoMapDuration.Observe(time.Since(start).Seconds())
}
