package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the per-process metric set. It owns its own registry so tests
// and embedders never share hidden global state.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced        *prometheus.CounterVec
	OrdersFilled        *prometheus.CounterVec
	OrdersRejected      *prometheus.CounterVec
	OrdersCanceled      *prometheus.CounterVec
	OrdersBlocked       *prometheus.CounterVec
	FreezeEvents        prometheus.Counter
	PostOnlyAdjustments *prometheus.CounterVec
	ReconDivergence     *prometheus.CounterVec
	FiltersSource       *prometheus.CounterVec
	FiltersFetchErrors  prometheus.Counter
	APIFailures         *prometheus.CounterVec
	RateLimitHits       *prometheus.CounterVec

	EdgeBps          *prometheus.GaugeVec
	RiskRatio        prometheus.Gauge
	MakerTakerRatio  prometheus.Gauge
	NetBps           prometheus.Gauge
	CircuitState     *prometheus.GaugeVec
	MakerOnlyEnabled prometheus.Gauge
	LiveEnable       prometheus.Gauge

	OrderLatencyMs  *prometheus.HistogramVec
	FillLatencyMs   *prometheus.HistogramVec
	RetryCount      prometheus.Histogram
	RateLimitWaitMs *prometheus.HistogramVec
}

// NewMetrics builds the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	latencyBuckets := []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000}

	return &Metrics{
		registry: reg,

		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_placed_total",
			Help: "Orders successfully placed on the exchange",
		}, []string{"symbol"}),
		OrdersFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_filled_total",
			Help: "Fill events processed",
		}, []string{"symbol"}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_rejected_total",
			Help: "Orders rejected by the exchange or transport",
		}, []string{"symbol"}),
		OrdersCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_canceled_total",
			Help: "Orders canceled locally",
		}, []string{"symbol"}),
		OrdersBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_blocked_total",
			Help: "Orders blocked before placement",
		}, []string{"symbol", "reason"}),
		FreezeEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_freeze_events_total",
			Help: "Risk freeze transitions",
		}),
		PostOnlyAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_post_only_adjustments_total",
			Help: "Post-only price adjustments applied",
		}, []string{"symbol", "side"}),
		ReconDivergence: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_recon_divergence_total",
			Help: "Reconciliation divergences detected",
		}, []string{"type"}),
		FiltersSource: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_symbol_filters_source_total",
			Help: "Symbol filter lookups by source",
		}, []string{"source"}),
		FiltersFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_symbol_filters_fetch_errors_total",
			Help: "Symbol filter fetch failures",
		}),
		APIFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_api_failures_total",
			Help: "Exchange API failures counted by the circuit breaker",
		}, []string{"endpoint", "code"}),
		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_rate_limit_hits_total",
			Help: "Rate limiter waits (first wait per acquire)",
		}, []string{"endpoint"}),

		EdgeBps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_edge_bps",
			Help: "Last observed net edge per symbol in bps",
		}, []string{"symbol"}),
		RiskRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_risk_ratio",
			Help: "Total notional over configured ceiling",
		}),
		MakerTakerRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_maker_taker_ratio",
			Help: "Maker notional share of gross notional",
		}),
		NetBps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_net_bps",
			Help: "Net fee cost in bps of gross notional",
		}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_circuit_state",
			Help: "Circuit breaker state per endpoint (0=closed 1=open 2=half-open)",
		}, []string{"endpoint"}),
		MakerOnlyEnabled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_maker_only_enabled",
			Help: "Maker-only policy enabled flag",
		}),
		LiveEnable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_live_enable",
			Help: "Live trading consent flag",
		}),

		OrderLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_order_latency_ms",
			Help:    "Order placement wall time in ms",
			Buckets: latencyBuckets,
		}, []string{"symbol"}),
		FillLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_fill_latency_ms",
			Help:    "Latency between placement and fill in ms",
			Buckets: latencyBuckets,
		}, []string{"symbol"}),
		RetryCount: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_retry_count",
			Help:    "Placement attempts per routed order",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		RateLimitWaitMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mm_rate_limit_wait_ms",
			Help:    "Time spent waiting for rate limit tokens in ms",
			Buckets: latencyBuckets,
		}, []string{"endpoint"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
