// Package metrics provides Prometheus metrics for treesync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
)

var (
	// Sync metrics
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_sync_runs_total",
			Help: "Total number of sync runs",
		},
		[]string{"project", "status"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treesync_sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"project"},
	)

	syncChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_sync_changes_total",
			Help: "Mirror changes applied by sync runs",
		},
		[]string{"project", "change"},
	)

	syncSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_sync_skipped_paths_total",
			Help: "Paths that could not be read during a sync walk",
		},
		[]string{"project"},
	)

	// Queue metrics
	queueEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treesync_queue_entries",
			Help: "Index queue entries by status",
		},
		[]string{"status"},
	)

	// Worker metrics
	indexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_indexed_files_total",
			Help: "Files processed by index workers",
		},
		[]string{"status"},
	)

	indexDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treesync_index_duration_seconds",
			Help:    "Time to extract one file",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_dashboard_clients",
			Help: "Number of connected dashboard WebSocket clients",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSync records the outcome of one sync run.
func RecordSync(project string, result *mirrorsync.SyncResult, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	syncRunsTotal.WithLabelValues(project, status).Inc()

	if result == nil {
		return
	}
	syncDuration.WithLabelValues(project).Observe(result.Duration.Seconds())

	changes := map[string]int{
		"file_added":   result.FilesAdded,
		"file_updated": result.FilesUpdated,
		"file_deleted": result.FilesDeleted,
		"file_moved":   result.FilesMoved,
		"dir_added":    result.DirectoriesAdded,
		"dir_deleted":  result.DirectoriesDeleted,
	}
	for change, n := range changes {
		if n > 0 {
			syncChangesTotal.WithLabelValues(project, change).Add(float64(n))
		}
	}
	if len(result.Skipped) > 0 {
		syncSkippedTotal.WithLabelValues(project).Add(float64(len(result.Skipped)))
	}
}

// SetQueueCounts publishes the current queue depth per status.
func SetQueueCounts(c schema.QueueCounts) {
	queueEntries.WithLabelValues(string(schema.StatusPending)).Set(float64(c.Pending))
	queueEntries.WithLabelValues(string(schema.StatusProcessing)).Set(float64(c.Processing))
	queueEntries.WithLabelValues(string(schema.StatusCompleted)).Set(float64(c.Completed))
	queueEntries.WithLabelValues(string(schema.StatusFailed)).Set(float64(c.Failed))
}

// RecordIndexed records one processed queue entry.
func RecordIndexed(duration time.Duration, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	indexedTotal.WithLabelValues(status).Inc()
	indexDuration.Observe(duration.Seconds())
}

// SetDashboardClients sets the number of connected dashboard clients.
func SetDashboardClients(count int) {
	websocketClients.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that counts requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
