// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts reconciliation operations by op and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_operations_total",
		Help: "Total reconciliation operations",
	}, []string{"op", "outcome"})

	// OperationLatency tracks reconciliation latency, lease wait included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_operation_latency_seconds",
		Help:    "Reconciliation operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts operations rejected before mutation, by reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_rejections_total",
		Help: "Operations rejected by validation or funding checks",
	}, []string{"op", "reason"})

	// VersionConflicts counts optimistic-concurrency retries.
	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_version_conflicts_total",
		Help: "Lot version conflicts that triggered a retry",
	}, []string{"op"})

	// LotsTouched counts lots created, reduced or deleted.
	LotsTouched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_lots_touched_total",
		Help: "Lots created, reduced or deleted by reconciliation",
	}, []string{"action"})

	// ConversionFallbacks counts valuations served with a missing rate.
	ConversionFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_conversion_fallbacks_total",
		Help: "Valuations returned unconverted because a rate was missing",
	}, []string{"display"})

	// RateFetches counts exchange-rate lookups by source and result.
	RateFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_rate_fetches_total",
		Help: "Exchange-rate fetches",
	}, []string{"source", "result"})

	// EventsPublished counts post-commit events by sink and result.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_events_published_total",
		Help: "Events published after commit",
	}, []string{"sink", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records the outcome and latency of one reconciliation.
func ObserveOperation(op, outcome string, start time.Time) {
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps account ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
