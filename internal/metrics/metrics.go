// Package metrics provides Prometheus metrics for the bookshelf server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookshelf_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// File-list cache metrics
	libraryLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_library_cache_lookups_total",
			Help: "File-list cache lookups by result",
		},
		[]string{"result"},
	)

	libraryRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookshelf_library_rebuild_duration_seconds",
			Help:    "Time to walk the storage root and rebuild the file list",
			Buckets: prometheus.DefBuckets,
		},
	)

	libraryFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookshelf_library_files",
			Help: "Number of documents in the last file-list scan",
		},
	)

	libraryInvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookshelf_library_invalidations_total",
			Help: "Total file-list cache invalidations",
		},
	)

	// Content transfer metrics
	fileResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_file_responses_total",
			Help: "File endpoint responses by kind (full, partial, unsatisfiable, fallback, options)",
		},
		[]string{"kind"},
	)

	fileBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookshelf_file_bytes_served_total",
			Help: "Total bytes written by the file endpoint",
		},
	)

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_watcher_events_total",
			Help: "Filesystem events that invalidated the file list",
		},
		[]string{"type"},
	)

	// SSE metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookshelf_event_subscribers",
			Help: "Number of active library event subscribers",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_events_published_total",
			Help: "Library change events published by type",
		},
		[]string{"type"},
	)

	// Host metrics collection
	sysinfoCollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_sysinfo_collections_total",
			Help: "Host metric snapshots by status",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCacheLookup records a file-list cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	libraryLookupsTotal.WithLabelValues(result).Inc()
}

// RecordLibraryRebuild records a full rescan of the storage root.
func RecordLibraryRebuild(duration time.Duration, files int) {
	libraryRebuildDuration.Observe(duration.Seconds())
	libraryFiles.Set(float64(files))
}

// RecordInvalidation records a cache invalidation.
func RecordInvalidation() {
	libraryInvalidationsTotal.Inc()
}

// RecordFileResponse records a file endpoint response and the bytes written.
func RecordFileResponse(kind string, bytes int64) {
	fileResponsesTotal.WithLabelValues(kind).Inc()
	if bytes > 0 {
		fileBytesServed.Add(float64(bytes))
	}
}

// RecordWatcherEvent records a filesystem event seen by the watcher.
func RecordWatcherEvent(eventType string) {
	watcherEventsTotal.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the number of active event subscribers.
func SetEventSubscribers(count int64) {
	eventSubscribers.Set(float64(count))
}

// RecordEventPublished records a library change event sent to subscribers.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordSysinfoCollection records a host metrics collection.
func RecordSysinfoCollection(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sysinfoCollectionsTotal.WithLabelValues(status).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// It must wrap the ServeMux directly so the matched pattern is visible
// on the request after dispatch.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
