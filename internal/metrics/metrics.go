// Package metrics exposes the engine's Prometheus instrumentation on a
// dedicated registry (not the global default, so package tests stay
// hermetic even when several registries are constructed in the same
// process).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this engine records, all registered on
// a private *prometheus.Registry returned by New so callers can serve
// it at /metrics without polluting prometheus.DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry

	TradesTotal         *prometheus.CounterVec
	ExitsTotal          *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	PriceCacheHits      *prometheus.CounterVec
	ReachedTakeProfit   prometheus.Counter
	OpenPositions       prometheus.Gauge
	PaperBalance        *prometheus.GaugeVec
	WatcherTickDuration prometheus.Histogram
	PriorityFeeLamports prometheus.Gauge
	PredictionRetries   prometheus.Counter
}

// New constructs a Registry with every series registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaltrader_trades_total",
		Help: "Trades executed, split by side and outcome.",
	}, []string{"side", "result"})

	r.ExitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaltrader_exits_total",
		Help: "Position exits, split by exit reason.",
	}, []string{"reason"})

	r.AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaltrader_admission_rejections_total",
		Help: "Tokens rejected by the admission pipeline, split by stage.",
	}, []string{"stage"})

	r.PriceCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaltrader_price_cache_total",
		Help: "Price cache lookups, split by hit/miss/error.",
	}, []string{"outcome"})

	r.ReachedTakeProfit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaltrader_reached_take_profit_total",
		Help: "Positions that crossed their take-profit threshold at least once, regardless of final exit reason.",
	})

	r.OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaltrader_open_positions",
		Help: "Number of currently open positions.",
	})

	r.PaperBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signaltrader_paper_balance",
		Help: "Simulated ledger balance per token, only meaningful in simulation mode.",
	}, []string{"token"})

	r.WatcherTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "watcher_tick_duration_seconds",
		Help:    "Wall time of a single PositionWatcher tick across all open positions.",
		Buckets: prometheus.DefBuckets,
	})

	r.PriorityFeeLamports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaltrader_priority_fee_lamports",
		Help: "Most recently sampled and clamped priority fee.",
	})

	r.PredictionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaltrader_prediction_retries_total",
		Help: "Prediction service calls retried after a transient failure.",
	})

	r.reg.MustRegister(
		r.TradesTotal,
		r.ExitsTotal,
		r.AdmissionRejections,
		r.PriceCacheHits,
		r.ReachedTakeProfit,
		r.OpenPositions,
		r.PaperBalance,
		r.WatcherTickDuration,
		r.PriorityFeeLamports,
		r.PredictionRetries,
	)

	return r
}

// Gatherer exposes the underlying registry for an HTTP handler to serve.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
