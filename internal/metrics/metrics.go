// Package metrics provides Prometheus instrumentation for the
// reconciliation engine.
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
	// ImportsTotal counts import jobs by terminal status.
	ImportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_imports_total",
		Help: "Total import jobs by terminal status",
	}, []string{"status"})

	// ImportDuration tracks end-to-end background import duration.
	ImportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recon_import_duration_seconds",
		Help:    "Background import duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
	})

	// ExecutionsProcessed counts executions by classification.
	ExecutionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_executions_processed_total",
		Help: "Executions processed, by outcome",
	}, []string{"outcome"}) // imported | duplicate | malformed | failed

	// TradesEmitted counts round-trip trades created by the reconciler.
	TradesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_trades_emitted_total",
		Help: "Round-trip trades emitted by the reconciler",
	})

	// Resolutions counts symbol resolutions by source tier.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_symbol_resolutions_total",
		Help: "CUSIP resolutions by source",
	}, []string{"source"})

	// MappingConflicts counts rejected mapping inserts (ticker already the
	// verified target of another CUSIP in the same scope).
	MappingConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_mapping_conflicts_total",
		Help: "Mapping inserts rejected by the conflict invariant",
	})

	// SplitAdjustments counts positions adjusted for splits.
	SplitAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_split_adjustments_total",
		Help: "Open positions adjusted for stock splits",
	})

	// VersionConflicts counts guarded updates that lost a concurrent race.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_version_conflicts_total",
		Help: "Conditional updates that observed a stale version",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recon_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
