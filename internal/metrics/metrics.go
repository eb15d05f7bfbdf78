// Package metrics provides Prometheus instrumentation for the prop engine.
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
	// TradesTotal counts executed trades, partitioned by side and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "direction"})

	// TradeRejections counts refused trades by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_trade_rejections_total",
		Help: "Trades refused by the execution pipeline",
	}, []string{"code"})

	// TradeLatency tracks end-to-end pipeline latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prop_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// FillSlippage observes the slippage of executed fills.
	FillSlippage = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prop_fill_slippage_ratio",
		Help:    "Relative deviation of the simulated fill from the best price",
		Buckets: []float64{0, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	})

	// RiskRejections counts trades rejected per risk rule.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_risk_rejections_total",
		Help: "Trades rejected by the risk engine",
	}, []string{"rule"})

	// Evaluations counts evaluator outcomes.
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_evaluations_total",
		Help: "Account evaluations by resulting status",
	}, []string{"status"})

	// MarketDataRequests counts provider lookups by kind and result source.
	MarketDataRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_market_data_requests_total",
		Help: "Market data lookups by kind and source",
	}, []string{"kind", "source"})

	// IdempotencyOutcomes counts guard decisions.
	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_idempotency_outcomes_total",
		Help: "Idempotency guard outcomes",
	}, []string{"outcome"})

	// OutageOpen is 1 while a data-feed outage is open.
	OutageOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prop_outage_open",
		Help: "Whether a data-feed outage is currently open",
	})

	// TaskRuns counts background task attempts by task and result.
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_task_runs_total",
		Help: "Background task attempts",
	}, []string{"task", "result"})

	// TaskQueueDepth tracks tasks waiting for a worker.
	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prop_task_queue_depth",
		Help: "Tasks waiting for a worker",
	})

	// SchedulerRuns counts cron job runs.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_scheduler_runs_total",
		Help: "Scheduled job runs",
	}, []string{"job", "result"})

	// EventsPublished counts domain events handed to sinks.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_events_published_total",
		Help: "Domain events published per sink",
	}, []string{"sink", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prop_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prop_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prop_http_request_duration_seconds",
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

		// Route pattern keeps account ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
