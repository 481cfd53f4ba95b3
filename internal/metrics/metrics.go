// Package metrics provides Prometheus instrumentation for the staking engine.
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
	// StakingOpsTotal counts staking ledger operations by kind.
	StakingOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thaw_staking_ops_total",
		Help: "Total staking ledger operations executed",
	}, []string{"op"})

	// LendingOpsTotal counts lending ledger operations by kind.
	LendingOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thaw_lending_ops_total",
		Help: "Total lending ledger operations executed",
	}, []string{"op"})

	// LeverageLoopsTotal counts completed leverage-stake invocations by
	// loop count.
	LeverageLoopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thaw_leverage_loops_total",
		Help: "Completed leverage-stake operations by loop count",
	}, []string{"loops"})

	// ExchangeRate tracks the current claim-token exchange rate (tokens
	// per share, unscaled).
	ExchangeRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thaw_exchange_rate",
		Help: "Current exchange rate (native tokens per share)",
	})

	// Utilization tracks the lending pool utilization ratio.
	Utilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thaw_lending_utilization",
		Help: "Lending pool utilization (borrowed / deposits)",
	})

	// Liquidations counts executed liquidations.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thaw_liquidations_total",
		Help: "Total liquidations executed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thaw_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thaw_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "thaw_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small and
		// account ids are the only variable segments.
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
