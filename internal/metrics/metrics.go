package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grid_martingale"

// Metrics carries the engine counters and gauges on an own registry so
// tests can instantiate it freely.
type Metrics struct {
	registry *prometheus.Registry

	BarsConsumed    prometheus.Counter
	Reconciliations prometheus.Counter
	ReconcileErrors prometheus.Counter
	OrdersPlaced    *prometheus.CounterVec
	OrdersCanceled  prometheus.Counter
	OrdersFailed    *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	RealizedPnL     prometheus.Counter
	Capital         prometheus.Gauge
	GridCenter      prometheus.Gauge
	CurrentLevel    prometheus.Gauge
	WSReconnects    prometheus.Counter
}

func New(symbol string) *Metrics {
	labels := prometheus.Labels{"symbol": symbol}
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		BarsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bars_consumed_total",
			Help: "Closed klines consumed.", ConstLabels: labels,
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliations_total",
			Help: "Reconciliation ticks completed.", ConstLabels: labels,
		}),
		ReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_errors_total",
			Help: "Reconciliation ticks aborted on error.", ConstLabels: labels,
		}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total",
			Help: "Orders accepted by the venue, by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		OrdersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_canceled_total",
			Help: "Orders canceled at the venue.", ConstLabels: labels,
		}),
		OrdersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_failed_total",
			Help: "Order operations that failed past retries, by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_total",
			Help: "Fills applied to the state machine, by event.", ConstLabels: labels,
		}, []string{"event"}),
		RealizedPnL: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "realized_pnl_quote_total",
			Help: "Cumulative realized PnL in quote currency (signed sum reported as counter adds).", ConstLabels: labels,
		}),
		Capital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "capital_quote",
			Help: "Running operational capital in quote currency.", ConstLabels: labels,
		}),
		GridCenter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "grid_center",
			Help: "Current grid reference price.", ConstLabels: labels,
		}),
		CurrentLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_level",
			Help: "Highest filled entry level, 0 when flat.", ConstLabels: labels,
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_reconnects_total",
			Help: "Kline stream reconnects.", ConstLabels: labels,
		}),
	}
	registry.MustRegister(
		m.BarsConsumed, m.Reconciliations, m.ReconcileErrors,
		m.OrdersPlaced, m.OrdersCanceled, m.OrdersFailed, m.Fills,
		m.RealizedPnL, m.Capital, m.GridCenter, m.CurrentLevel, m.WSReconnects,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
