// Package metrics provides Prometheus instrumentation for the session engine.
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
	// PositionsOpened counts successful opens, partitioned by direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"direction"})

	// PositionsClosed counts successful closes.
	PositionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_positions_closed_total",
		Help: "Total number of positions closed",
	})

	// CloseRejections counts closes refused before any write.
	CloseRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_close_rejections_total",
		Help: "Close attempts rejected, by reason",
	}, []string{"reason"})

	// OpenRejections counts opens refused before any write.
	OpenRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_open_rejections_total",
		Help: "Open attempts rejected, by reason",
	}, []string{"reason"})

	// RewardsTotal counts selected rewards by tier.
	RewardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_rewards_total",
		Help: "Rewards handed out, by tier",
	}, []string{"tier"})

	// OracleLatency tracks price fetch latency per attempt.
	OracleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_oracle_latency_seconds",
		Help:    "Price oracle fetch latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"source", "outcome"})

	// OracleCacheHits counts price reads served from the cache.
	OracleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_oracle_cache_hits_total",
		Help: "Price reads served from Redis",
	})

	// ViewInvalidations counts superseded surfaces, by result.
	ViewInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_view_invalidations_total",
		Help: "Previous action surfaces invalidated",
	}, []string{"result"})

	// LedgerBalanceDelta tracks realized balance changes.
	LedgerBalanceDelta = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_ledger_delta",
		Help:    "Realized balance delta per closed position",
		Buckets: []float64{-1000, -250, -100, -25, -5, 0, 5, 25, 100, 250, 1000},
	})

	// Commands counts handled user commands by kind and result.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_commands_total",
		Help: "User commands handled, by command and result",
	}, []string{"command", "result"})

	// RateLimited counts commands refused by the rate limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_rate_limited_total",
		Help: "Commands rejected by the rate limiter",
	}, []string{"bucket"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOracle records one oracle attempt.
func ObserveOracle(source string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OracleLatency.WithLabelValues(source, outcome).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps user IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
