// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// TradesTotal counts accepted trades, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_total",
		Help: "Total number of trades accepted",
	}, []string{"action"})

	// TradeRejections counts rejected submissions by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trade_rejections_total",
		Help: "Trade submissions rejected, by error kind",
	}, []string{"kind"})

	// TradeLatency tracks end-to-end engine latency per action.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_trade_latency_seconds",
		Help:    "Trade settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// RealizedPnL accumulates realized profit/loss in capital units.
	RealizedPnL = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_realized_pnl_total",
		Help: "Absolute realized profit/loss, split by sign",
	}, []string{"sign"})

	// TradesRevealed counts trades disclosed by the scheduler.
	TradesRevealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_trades_revealed_total",
		Help: "Trades flipped to revealed by the reveal scheduler",
	})

	// RevealSweepDuration tracks scheduler sweep latency.
	RevealSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_reveal_sweep_duration_seconds",
		Help:    "Reveal sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RevealSweepErrors counts failed sweeps.
	RevealSweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_reveal_sweep_errors_total",
		Help: "Reveal sweeps that failed",
	})

	// OracleLookups counts price lookups by outcome (hit, miss, error).
	OracleLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_oracle_lookups_total",
		Help: "Price oracle lookups by cache outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected feed subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
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
