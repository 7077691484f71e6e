// Package engine is the execution loop: it consumes quotes, fills and edge
// updates, drives the maker-only placement path through the resilient
// router, and triggers periodic reconciliation.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantor/mmexec/internal/exchange"
	"github.com/quantor/mmexec/internal/fees"
	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/internal/policy"
	"github.com/quantor/mmexec/internal/recon"
	"github.com/quantor/mmexec/internal/risk"
	"github.com/quantor/mmexec/internal/router"
	"github.com/quantor/mmexec/internal/store"
	"github.com/quantor/mmexec/pkg/bus"
	"github.com/quantor/mmexec/pkg/types"
)

// Block reasons recorded in counters.
const (
	blockReasonRisk     = "risk_limit"
	blockReasonMinQty   = "min_qty"
	blockReasonCross    = "cross_price"
	filtersCacheTTLSecs = 600
)

// LoopConfig tunes the execution loop.
type LoopConfig struct {
	MakerOnly         bool
	PostOnlyOffsetBps decimal.Decimal
	MinQtyPad         decimal.Decimal
	ReconInterval     time.Duration
	NetworkEnabled    bool
	Testnet           bool
	Schedule          *fees.Schedule
	Profiles          map[string]fees.Profile
	LiveEnableEnv     string // overrides MM_LIVE_ENABLE for tests
}

// Params drives a run.
type Params struct {
	Symbols                  []string
	Iterations               int
	MaxInventoryUSDPerSymbol decimal.Decimal
	MaxTotalNotionalUSD      decimal.Decimal
	EdgeFreezeThresholdBps   decimal.Decimal
	BaseQty                  decimal.Decimal
	SpreadBps                decimal.Decimal
}

// Stats counts the run's outcomes.
type Stats struct {
	OrdersPlaced        int
	OrdersFilled        int
	OrdersRejected      int
	OrdersCanceled      int
	RiskBlocks          int
	OrdersBlocked       int
	FreezeEvents        int
	Recoveries          int
	DuplicateOperations int
	ReconRuns           int
}

// Loop is the single-flight orchestrator per instance. Quote, fill and edge
// handlers are invoked serially by the caller; the loop spawns no internal
// parallelism.
type Loop struct {
	cfg    LoopConfig
	router *router.Router
	store  store.OrderStore
	risk   *risk.Monitor

	tracker   *risk.PositionTracker
	filters   *exchange.FiltersCache
	clock     func() int64
	log       *logrus.Entry
	metrics   *obs.Metrics
	publisher bus.Publisher

	stats         Stats
	freezeIdemKey string
	lastReconMs   int64
	lastRecon     *recon.Report

	exchangeToCID map[string]string
	fillSeq       map[string]int
	latenciesMs   []float64
}

// LoopDeps carries the loop's collaborators.
type LoopDeps struct {
	Router    *router.Router
	Store     store.OrderStore
	Risk      *risk.Monitor
	Clock     func() int64 // milliseconds; nil defaults to wall time
	Log       *logrus.Entry
	Metrics   *obs.Metrics
	Publisher bus.Publisher
}

// NewLoop wires the loop and enforces the live-mode kill-switch. It is the
// only constructor that can fail at startup; everything past this point
// reports through tagged results.
func NewLoop(cfg LoopConfig, deps LoopDeps) (*Loop, error) {
	if err := exchange.ConfirmLiveEnable(cfg.NetworkEnabled, cfg.Testnet, cfg.LiveEnableEnv, deps.Metrics); err != nil {
		return nil, err
	}

	clock := deps.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = bus.NopPublisher{}
	}

	loop := &Loop{
		cfg:           cfg,
		router:        deps.Router,
		store:         deps.Store,
		risk:          deps.Risk,
		tracker:       risk.NewPositionTracker(),
		filters:       exchange.NewFiltersCache(clock, filtersCacheTTLSecs, deps.Metrics),
		clock:         clock,
		log:           deps.Log,
		metrics:       deps.Metrics,
		publisher:     publisher,
		exchangeToCID: make(map[string]string),
		fillSeq:       make(map[string]int),
	}

	if deps.Metrics != nil {
		if cfg.MakerOnly {
			deps.Metrics.MakerOnlyEnabled.Set(1)
		} else {
			deps.Metrics.MakerOnlyEnabled.Set(0)
		}
	}
	return loop, nil
}

// OnQuote derives a symmetric bid/ask pair around the quote midpoint and
// attempts both sides. Fails silently when frozen.
func (l *Loop) OnQuote(ctx context.Context, quote types.Quote, params Params) {
	if l.risk.IsFrozen() {
		l.log.WithField("symbol", quote.Symbol).Debug("quote_skipped_frozen")
		return
	}

	mid := quote.Mid()
	spread := mid.Mul(params.SpreadBps).Div(decimal.NewFromInt(10000))
	half := spread.Div(decimal.NewFromInt(2))

	buyPrice := mid.Sub(half)
	sellPrice := mid.Add(half)

	for _, attempt := range []struct {
		side  types.Side
		price decimal.Decimal
	}{
		{types.SideBuy, buyPrice},
		{types.SideSell, sellPrice},
	} {
		if l.risk.CheckBeforeOrder(quote.Symbol, attempt.side, params.BaseQty, attempt.price) {
			l.placeOrder(ctx, quote.Symbol, attempt.side, params.BaseQty, attempt.price, quote)
			continue
		}
		l.stats.RiskBlocks++
		l.log.WithFields(logrus.Fields{
			"symbol": quote.Symbol,
			"side":   attempt.side,
			"qty":    params.BaseQty.String(),
			"price":  attempt.price.String(),
			"reason": blockReasonRisk,
		}).Warn("order_blocked")
		if l.metrics != nil {
			l.metrics.OrdersBlocked.WithLabelValues(quote.Symbol, blockReasonRisk).Inc()
		}
	}
}

func (l *Loop) placeOrder(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, quote types.Quote) {
	clientOrderID := l.store.GenerateClientOrderID()
	tsMs := l.clock()

	if l.cfg.MakerOnly {
		filters := l.filters.Get(symbol, func() (types.SymbolFilters, error) {
			return l.router.Client().GetSymbolFilters(ctx, symbol)
		})

		roundedQty, err := policy.RoundQty(qty, filters.StepSize)
		if err != nil {
			l.log.WithError(err).Warn("qty_rounding_failed")
			return
		}

		minRequired := filters.MinQty.Mul(l.cfg.MinQtyPad)
		if !policy.CheckMinQty(roundedQty, minRequired) {
			l.stats.OrdersBlocked++
			l.log.WithFields(logrus.Fields{
				"client_order_id":  clientOrderID,
				"symbol":           symbol,
				"side":             side,
				"qty":              roundedQty.String(),
				"min_qty_required": minRequired.String(),
				"reason":           blockReasonMinQty,
			}).Warn("order_blocked")
			if l.metrics != nil {
				l.metrics.OrdersBlocked.WithLabelValues(symbol, blockReasonMinQty).Inc()
			}
			return
		}

		refPrice := quote.BestBid
		if side == types.SideSell {
			refPrice = quote.BestAsk
		}
		adjusted, err := policy.PostOnlyPrice(side, refPrice, l.cfg.PostOnlyOffsetBps, filters.TickSize)
		if err != nil {
			l.log.WithError(err).Warn("post_only_price_failed")
			return
		}

		crosses, err := policy.CrossesMarket(side, adjusted, quote.BestBid, quote.BestAsk)
		if err != nil {
			l.log.WithError(err).Warn("cross_check_failed")
			return
		}
		if crosses {
			l.stats.OrdersBlocked++
			l.log.WithFields(logrus.Fields{
				"client_order_id": clientOrderID,
				"symbol":          symbol,
				"side":            side,
				"original_price":  price.String(),
				"adjusted_price":  adjusted.String(),
				"best_bid":        quote.BestBid.String(),
				"best_ask":        quote.BestAsk.String(),
				"reason":          blockReasonCross,
			}).Warn("order_blocked")
			if l.metrics != nil {
				l.metrics.OrdersBlocked.WithLabelValues(symbol, blockReasonCross).Inc()
			}
			return
		}

		if !adjusted.Equal(price) {
			if l.metrics != nil {
				l.metrics.PostOnlyAdjustments.WithLabelValues(symbol, string(side)).Inc()
			}
			l.log.WithFields(logrus.Fields{
				"symbol": symbol,
				"side":   side,
				"from":   price.String(),
				"to":     adjusted.String(),
			}).Debug("post_only_adjustment")
		}
		price = adjusted
		qty = roundedQty
	}

	placeResult, err := l.store.PlaceOrder(ctx, store.PlaceRequest{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Price:         price,
		IdemKey:       fmt.Sprintf("place:%s:%s:v1", clientOrderID, symbol),
		TimestampMs:   tsMs,
	})
	if err != nil {
		l.stats.OrdersRejected++
		l.log.WithError(err).WithField("client_order_id", clientOrderID).Error("order_store_error")
		return
	}
	if placeResult.WasDuplicate {
		l.stats.DuplicateOperations++
		l.log.WithField("client_order_id", clientOrderID).Debug("duplicate_place_detected")
		return
	}
	if !placeResult.Success {
		l.stats.OrdersRejected++
		l.log.WithField("message", placeResult.Message).Warn("place_failed")
		return
	}

	req := exchange.PlaceOrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Price:         price,
	}

	placeStartMs := l.clock()
	resp, err := l.router.PlaceLimitOrder(ctx, req)
	latencyMs := l.clock() - placeStartMs

	if err != nil {
		// Transport errors (post-retry) count as local rejection; the
		// resilience layer already recorded them against the breaker.
		l.stats.OrdersRejected++
		l.store.UpdateOrderState(ctx, clientOrderID, types.StateRejected,
			fmt.Sprintf("state:%s:rejected:v1", clientOrderID), l.clock(), "", err.Error())
		l.log.WithError(err).WithFields(logrus.Fields{
			"client_order_id": clientOrderID,
			"symbol":          symbol,
		}).Error("order_placement_error")
		if l.metrics != nil {
			l.metrics.OrdersRejected.WithLabelValues(symbol).Inc()
		}
		return
	}

	if !resp.Success {
		l.stats.OrdersRejected++
		l.store.UpdateOrderState(ctx, clientOrderID, types.StateRejected,
			fmt.Sprintf("state:%s:rejected:v1", clientOrderID), l.clock(), "", resp.Message)
		l.log.WithFields(logrus.Fields{
			"client_order_id": clientOrderID,
			"symbol":          symbol,
			"side":            side,
			"reason":          resp.Message,
		}).Warn("order_rejected")
		if l.metrics != nil {
			l.metrics.OrdersRejected.WithLabelValues(symbol).Inc()
		}
		return
	}

	l.stats.OrdersPlaced++
	l.store.UpdateOrderState(ctx, clientOrderID, types.StateOpen,
		fmt.Sprintf("state:%s:open:v1", clientOrderID), l.clock(), resp.OrderID, "")
	if resp.OrderID != "" {
		l.exchangeToCID[resp.OrderID] = clientOrderID
	}

	l.log.WithFields(logrus.Fields{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
		"side":            side,
		"qty":             qty.String(),
		"price":           price.String(),
		"latency_ms":      latencyMs,
	}).Info("order_placed")
	if l.metrics != nil {
		l.metrics.OrdersPlaced.WithLabelValues(symbol).Inc()
		l.metrics.OrderLatencyMs.WithLabelValues(symbol).Observe(float64(latencyMs))
	}
	l.latenciesMs = append(l.latenciesMs, float64(latencyMs))

	l.publisher.Publish(bus.SubjectOrderPlaced, map[string]any{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
		"side":            side,
		"qty":             qty.String(),
		"price":           price.String(),
		"timestamp_ms":    tsMs,
	})
}

// OnFill drains pending fill events from the adapter: positions advance,
// order state follows, counters move.
func (l *Loop) OnFill(ctx context.Context) {
	for {
		fill, err := l.router.Client().NextFill(ctx)
		if err != nil {
			l.log.WithError(err).Warn("fill_stream_error")
			return
		}
		if fill == nil {
			return
		}

		l.risk.OnFill(fill.Symbol, fill.Side, fill.Qty)
		if _, err := l.tracker.ApplyFill(*fill); err != nil {
			l.log.WithError(err).Warn("position_update_failed")
		}
		if err := l.store.RecordFill(ctx, *fill); err != nil {
			l.log.WithError(err).Warn("fill_record_failed")
		}

		if clientOrderID, ok := l.exchangeToCID[fill.OrderID]; ok {
			l.applyFillToOrder(ctx, clientOrderID, fill)
		}

		l.stats.OrdersFilled++
		l.log.WithFields(logrus.Fields{
			"order_id": fill.OrderID,
			"symbol":   fill.Symbol,
			"side":     fill.Side,
			"qty":      fill.Qty.String(),
			"price":    fill.Price.String(),
		}).Info("order_filled")
		if l.metrics != nil {
			l.metrics.OrdersFilled.WithLabelValues(fill.Symbol).Inc()
		}

		l.publisher.Publish(bus.SubjectOrderFilled, map[string]any{
			"order_id":     fill.OrderID,
			"symbol":       fill.Symbol,
			"side":         fill.Side,
			"qty":          fill.Qty.String(),
			"price":        fill.Price.String(),
			"is_maker":     fill.IsMaker,
			"timestamp_ms": fill.TimestampMs,
		})
	}
}

func (l *Loop) applyFillToOrder(ctx context.Context, clientOrderID string, fill *types.FillEvent) {
	order, err := l.store.GetOrder(ctx, clientOrderID)
	if err != nil || order == nil || !order.State.IsOpen() {
		return
	}

	newFilled := order.FilledQty.Add(fill.Qty)
	if newFilled.GreaterThan(order.Qty) {
		newFilled = order.Qty
	}
	avg := fill.Price
	if newFilled.Sign() > 0 {
		avg = order.AvgFillPrice.Mul(order.FilledQty).Add(fill.Price.Mul(fill.Qty)).Div(newFilled)
	}

	l.fillSeq[clientOrderID]++
	idemKey := fmt.Sprintf("fill:%s:%d:v1", clientOrderID, l.fillSeq[clientOrderID])
	if _, err := l.store.UpdateFill(ctx, clientOrderID, newFilled, avg, idemKey, l.clock()); err != nil {
		l.log.WithError(err).WithField("client_order_id", clientOrderID).Warn("fill_update_failed")
		return
	}

	if l.metrics != nil && order.CreatedAtMs > 0 && fill.TimestampMs >= order.CreatedAtMs {
		l.metrics.FillLatencyMs.WithLabelValues(fill.Symbol).Observe(float64(fill.TimestampMs - order.CreatedAtMs))
	}
}

// OnEdgeUpdate feeds the risk monitor; a fresh freeze triggers the
// idempotent cancel-all.
func (l *Loop) OnEdgeUpdate(ctx context.Context, symbol string, netBps decimal.Decimal) {
	wasFrozen := l.risk.IsFrozen()
	l.risk.OnEdgeUpdate(symbol, netBps)

	if l.metrics != nil {
		l.metrics.EdgeBps.WithLabelValues(symbol).Set(netBps.InexactFloat64())
	}

	if !wasFrozen && l.risk.IsFrozen() {
		l.stats.FreezeEvents++
		l.log.WithFields(logrus.Fields{
			"symbol":        symbol,
			"edge_bps":      netBps.String(),
			"threshold_bps": l.risk.EdgeFreezeThresholdBps().String(),
			"reason":        "edge_below_threshold",
		}).Warn("freeze_triggered")

		l.publisher.Publish(bus.SubjectRiskFreeze, map[string]any{
			"symbol":        symbol,
			"edge_bps":      netBps.String(),
			"threshold_bps": l.risk.EdgeFreezeThresholdBps().String(),
			"timestamp_ms":  l.clock(),
		})

		l.cancelAllOpen(ctx, "edge_below_threshold")
	}
}

// cancelAllOpen cancels every locally-open order under one freeze-scoped
// idempotency key. Exchange cancellation is best-effort; local truth always
// wins.
func (l *Loop) cancelAllOpen(ctx context.Context, trigger string) {
	if l.freezeIdemKey == "" {
		freezeTs := time.UnixMilli(l.clock()).UTC().Format("20060102_150405")
		l.freezeIdemKey = "cancel_all:freeze_" + freezeTs
	}

	openOrders, err := l.store.GetOpenOrders(ctx)
	if err != nil {
		l.log.WithError(err).Error("open_orders_read_failed")
		openOrders = nil
	}

	for _, order := range openOrders {
		if _, err := l.router.CancelOrder(ctx, order.ClientOrderID, order.Symbol); err != nil {
			// Exchange errors never block local consistency.
			l.log.WithError(err).WithField("client_order_id", order.ClientOrderID).Debug("exchange_cancel_failed")
		}
	}

	result, err := l.store.CancelAllOpen(ctx, l.freezeIdemKey, l.clock())
	if err != nil {
		l.log.WithError(err).Error("cancel_all_failed")
		return
	}
	if result.WasDuplicate {
		l.stats.DuplicateOperations++
		l.log.WithField("idem_key", l.freezeIdemKey).Info("cancel_all_duplicate")
		return
	}

	l.stats.OrdersCanceled += result.CanceledCount
	if l.metrics != nil {
		for _, order := range openOrders {
			l.metrics.OrdersCanceled.WithLabelValues(order.Symbol).Inc()
		}
	}
	l.log.WithFields(logrus.Fields{
		"canceled_count": result.CanceledCount,
		"idem_key":       l.freezeIdemKey,
		"trigger":        trigger,
	}).Info("cancel_all_done")

	l.publisher.Publish(bus.SubjectOrderCanceled, map[string]any{
		"canceled_count": result.CanceledCount,
		"trigger":        trigger,
		"timestamp_ms":   l.clock(),
	})
}

// runReconIfDue reconciles when the configured interval has elapsed.
func (l *Loop) runReconIfDue(ctx context.Context, symbols []string) {
	nowMs := l.clock()
	if nowMs-l.lastReconMs < l.cfg.ReconInterval.Milliseconds() {
		return
	}

	report, err := recon.Reconcile(ctx, recon.Config{
		Exchange: l.router.Client(),
		Store:    l.store,
		Clock:    l.clock,
		Symbols:  symbols,
		Schedule: l.cfg.Schedule,
		Profiles: l.cfg.Profiles,
		Metrics:  l.metrics,
	})
	if err != nil {
		l.log.WithError(err).Warn("recon_failed")
		return
	}

	l.lastRecon = report
	l.lastReconMs = nowMs
	l.stats.ReconRuns++

	l.log.WithFields(logrus.Fields{
		"divergence_count":   report.DivergenceCount,
		"orders_local_only":  len(report.OrdersLocalOnly),
		"orders_remote_only": len(report.OrdersRemoteOnly),
		"position_deltas":    len(report.PositionDeltas),
	}).Info("recon_complete")
}

// RunShadow drives N synthetic iterations and returns the canonical report.
func (l *Loop) RunShadow(ctx context.Context, params Params) map[string]any {
	l.log.WithField("iterations", params.Iterations).Info("shadow_run_start")

	for iteration := 0; iteration < params.Iterations; iteration++ {
		for _, symbol := range params.Symbols {
			base := decimal.NewFromInt(3000)
			if containsBTC(symbol) {
				base = decimal.NewFromInt(50000)
			}
			variation := decimal.NewFromInt(int64(iteration % 10)).Mul(decimal.RequireFromString("0.001"))
			mid := base.Mul(decimal.NewFromInt(1).Add(variation))

			quote := types.Quote{
				Symbol:      symbol,
				BestBid:     mid.Mul(decimal.RequireFromString("0.9995")),
				BestAsk:     mid.Mul(decimal.RequireFromString("1.0005")),
				TimestampMs: l.clock() + int64(iteration)*1000,
			}
			l.OnQuote(ctx, quote, params)
		}

		l.OnFill(ctx)

		// Edge decays from 10 toward 2 bps over the run.
		progress := decimal.NewFromInt(int64(iteration)).Div(decimal.NewFromInt(int64(params.Iterations)))
		edge := decimal.NewFromInt(10).Sub(progress.Mul(decimal.NewFromInt(8)))
		for _, symbol := range params.Symbols {
			l.OnEdgeUpdate(ctx, symbol, edge)
		}

		l.runReconIfDue(ctx, params.Symbols)
	}

	l.runReconIfDue(ctx, params.Symbols)
	return l.buildReport(params)
}

// RecoverFromRestart replays the durable snapshot and returns a summary.
func (l *Loop) RecoverFromRestart(ctx context.Context) map[string]any {
	recoverer, ok := l.store.(store.Recoverer)
	if !ok {
		l.log.Warn("recovery_unsupported")
		return map[string]any{"recovered": false, "reason": "durable store not enabled"}
	}

	recovered, err := recoverer.RecoverFromSnapshot(ctx)
	if err != nil {
		l.log.WithError(err).Error("recovery_failed")
		return map[string]any{"recovered": false, "reason": err.Error()}
	}

	openOrders, err := l.store.GetOpenOrders(ctx)
	if err != nil {
		openOrders = nil
	}
	l.stats.Recoveries++

	openSummaries := make([]map[string]any, 0, len(openOrders))
	for _, order := range openOrders {
		openSummaries = append(openSummaries, map[string]any{
			"client_order_id": order.ClientOrderID,
			"symbol":          order.Symbol,
			"side":            order.Side,
			"qty":             order.Qty.InexactFloat64(),
			"price":           order.Price.InexactFloat64(),
			"state":           order.State,
		})
	}

	l.log.WithFields(logrus.Fields{
		"total_orders_recovered": recovered,
		"open_orders_count":      len(openOrders),
	}).Info("recovery_complete")

	return map[string]any{
		"recovered":              true,
		"total_orders_recovered": recovered,
		"open_orders_count":      len(openOrders),
		"open_orders":            openSummaries,
	}
}

// Stats returns a copy of the run counters.
func (l *Loop) Stats() Stats {
	return l.stats
}

// LastRecon returns the most recent reconciliation report, if any.
func (l *Loop) LastRecon() *recon.Report {
	return l.lastRecon
}

func containsBTC(symbol string) bool {
	for i := 0; i+3 <= len(symbol); i++ {
		if symbol[i:i+3] == "BTC" {
			return true
		}
	}
	return false
}
