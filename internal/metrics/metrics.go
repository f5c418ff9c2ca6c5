// Package metrics provides Prometheus instrumentation for the backtest engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/event"
)

var (
	// OrdersTotal counts order lifecycle outcomes by resulting status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_orders_total",
		Help: "Order lifecycle transitions by resulting status",
	}, []string{"status"})

	// TradesTotal counts trades booked, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_trades_total",
		Help: "Total number of trades booked",
	}, []string{"side"})

	// MatchLatency is the wall time of one matching attempt.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backtest_match_latency_seconds",
		Help:    "Matching attempt latency in seconds",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})

	// TotalValue is portfolio total value at the last settlement.
	TotalValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_total_value",
		Help: "Portfolio total value at the last settlement",
	})

	// FrozenCash is cash reserved by open orders at the last settlement.
	FrozenCash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_frozen_cash",
		Help: "Cash reserved by open orders at the last settlement",
	})

	ForcedLiquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backtest_forced_liquidations_total",
		Help: "Accounts wiped by forced liquidation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Observe hooks the collectors into eng. Call it before eng.Run.
func Observe(eng *engine.Engine) {
	eng.Broker().SetMatchObserver(func(d time.Duration) {
		MatchLatency.Observe(d.Seconds())
	})

	for _, t := range []event.Type{
		event.OrderCreationPass,
		event.OrderCreationReject,
		event.OrderCancellationPass,
		event.OrderUnsolicitedUpdate,
	} {
		eng.Subscribe(t, func(e *event.Event) error {
			if e.Order != nil {
				OrdersTotal.WithLabelValues(string(e.Order.Status())).Inc()
			}
			return nil
		})
	}

	eng.Subscribe(event.Trade, func(e *event.Event) error {
		if e.Trade != nil {
			TradesTotal.WithLabelValues(string(e.Trade.Side)).Inc()
		}
		if e.Order != nil && e.Order.UnfilledQuantity() == 0 {
			OrdersTotal.WithLabelValues(string(e.Order.Status())).Inc()
		}
		return nil
	})

	liquidated := eng.Portfolio().ForcedLiquidations()
	eng.Subscribe(event.PostSettlement, func(*event.Event) error {
		pf := eng.Portfolio()
		TotalValue.Set(pf.TotalValue().InexactFloat64())
		FrozenCash.Set(pf.FrozenCash().InexactFloat64())
		if n := pf.ForcedLiquidations(); n > liquidated {
			ForcedLiquidations.Add(float64(n - liquidated))
			liquidated = n
		}
		return nil
	})
}

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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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
