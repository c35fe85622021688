package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent cycle metrics
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_backup_cycles_total",
			Help: "Total number of backup cycles by source and outcome",
		},
		[]string{"source", "status"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormcloud_backup_cycle_duration_seconds",
			Help:    "Backup cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	FilesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stormcloud_files_uploaded_total",
			Help: "Total number of files successfully uploaded",
		},
	)

	FilesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stormcloud_files_failed_total",
			Help: "Total number of files that failed to upload",
		},
	)

	FilesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stormcloud_files_skipped_total",
			Help: "Total number of unchanged files skipped by the hash index",
		},
	)

	KeepaliveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stormcloud_keepalive_duration_seconds",
			Help:    "Keepalive round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_restores_total",
			Help: "Total number of restore attempts by outcome",
		},
		[]string{"status"},
	)

	// Server request metrics
	ServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcloud_server_requests_total",
			Help: "Total number of server requests by request_type and status",
		},
		[]string{"request_type", "status"},
	)

	ServerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormcloud_server_request_duration_seconds",
			Help:    "Server request duration in seconds by request_type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"request_type"},
	)

	VersionRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stormcloud_version_rotations_total",
			Help: "Total number of file version rotations performed",
		},
	)

	VersionsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stormcloud_versions_dropped_total",
			Help: "Total number of prior versions discarded past max_versions",
		},
	)

	RestoreQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stormcloud_restore_queue_depth",
			Help: "Current number of pending restore entries by device",
		},
		[]string{"device_id"},
	)

	DevicesRegisteredTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormcloud_devices_registered_total",
			Help: "Total number of devices known to the server catalog",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleDuration,
		FilesUploadedTotal,
		FilesFailedTotal,
		FilesSkippedTotal,
		KeepaliveDuration,
		RestoresTotal,
		ServerRequestsTotal,
		ServerRequestDuration,
		VersionRotationsTotal,
		VersionsDroppedTotal,
		RestoreQueueDepth,
		DevicesRegisteredTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
