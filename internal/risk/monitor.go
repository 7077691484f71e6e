// Package risk implements the runtime risk monitor: pre-trade notional
// limits, edge-based auto-freeze and the fill-derived position tracker.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/pkg/types"
)

// MarkPriceFunc resolves the mark price for a symbol.
type MarkPriceFunc func(symbol string) decimal.Decimal

// MonitorConfig holds the pre-trade limits.
type MonitorConfig struct {
	MaxInventoryUSDPerSymbol decimal.Decimal
	MaxTotalNotionalUSD      decimal.Decimal
	EdgeFreezeThresholdBps   decimal.Decimal
	MarkPrice                MarkPriceFunc
}

// Monitor enforces per-symbol and total-notional ceilings and freezes the
// system once the edge degrades below threshold. Counters survive Reset so
// they reflect the run's history.
type Monitor struct {
	mu sync.Mutex

	maxInventoryUSDPerSymbol decimal.Decimal
	maxTotalNotionalUSD      decimal.Decimal
	edgeFreezeThresholdBps   decimal.Decimal
	markPrice                MarkPriceFunc

	positions map[string]decimal.Decimal
	frozen    bool

	blocksTotal      int
	freezesTotal     int
	lastFreezeReason string
	lastFreezeSymbol string

	log     *logrus.Entry
	metrics *obs.Metrics
}

// NewMonitor builds a monitor. A nil MarkPrice resolver defaults to 1.0, so
// the notional limits then apply to absolute quantities.
func NewMonitor(cfg MonitorConfig, log *logrus.Entry, metrics *obs.Metrics) *Monitor {
	markPrice := cfg.MarkPrice
	if markPrice == nil {
		markPrice = func(string) decimal.Decimal { return decimal.NewFromInt(1) }
	}
	return &Monitor{
		maxInventoryUSDPerSymbol: cfg.MaxInventoryUSDPerSymbol,
		maxTotalNotionalUSD:      cfg.MaxTotalNotionalUSD,
		edgeFreezeThresholdBps:   cfg.EdgeFreezeThresholdBps,
		markPrice:                markPrice,
		positions:                make(map[string]decimal.Decimal),
		log:                      log,
		metrics:                  metrics,
	}
}

// CheckBeforeOrder is the pre-trade gate. A zero price falls back to the
// mark price. The per-symbol ceiling applies to the absolute notional of the
// resulting position, so shorting consumes budget too; the total ceiling uses
// mark prices for consistent cross-symbol addition.
func (m *Monitor) CheckBeforeOrder(symbol string, side types.Side, qty, price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		m.blocksTotal++
		return false
	}

	effectivePrice := price
	if effectivePrice.Sign() <= 0 {
		effectivePrice = m.markPrice(symbol)
	}

	qtySigned := side.Signed(qty)
	newPos := m.positions[symbol].Add(qtySigned)
	newNotional := newPos.Mul(effectivePrice).Abs()

	if newNotional.GreaterThan(m.maxInventoryUSDPerSymbol) {
		m.blocksTotal++
		return false
	}

	total := decimal.Zero
	seen := false
	for sym, pos := range m.positions {
		if sym == symbol {
			seen = true
			total = total.Add(newPos.Mul(m.markPrice(sym)).Abs())
			continue
		}
		total = total.Add(pos.Mul(m.markPrice(sym)).Abs())
	}
	if !seen {
		total = total.Add(newPos.Mul(m.markPrice(symbol)).Abs())
	}

	if total.GreaterThan(m.maxTotalNotionalUSD) {
		m.blocksTotal++
		return false
	}
	return true
}

// OnFill updates the signed position after an execution.
func (m *Monitor) OnFill(symbol string, side types.Side, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = m.positions[symbol].Add(side.Signed(qty))
}

// OnEdgeUpdate freezes the system when the net edge for a symbol drops below
// the configured threshold.
func (m *Monitor) OnEdgeUpdate(symbol string, netBps decimal.Decimal) {
	if netBps.LessThan(m.edgeFreezeThresholdBps) {
		reason := fmt.Sprintf("Edge degradation: %s BPS < %s BPS",
			netBps.StringFixed(2), m.edgeFreezeThresholdBps.StringFixed(2))
		m.Freeze(reason, symbol)
	}
}

// Freeze transitions to frozen exactly once; repeated freezes only refresh
// the recorded reason.
func (m *Monitor) Freeze(reason, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.frozen {
		m.frozen = true
		m.freezesTotal++
		if m.log != nil {
			m.log.WithFields(logrus.Fields{
				"reason":        reason,
				"symbol":        symbol,
				"freezes_total": m.freezesTotal,
			}).Warn("risk_freeze")
		}
		if m.metrics != nil {
			m.metrics.FreezeEvents.Inc()
		}
	}
	m.lastFreezeReason = reason
	m.lastFreezeSymbol = symbol
}

// IsFrozen reports the freeze state.
func (m *Monitor) IsFrozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// Positions returns a copy of the signed positions.
func (m *Monitor) Positions() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.positions))
	for sym, qty := range m.positions {
		out[sym] = qty
	}
	return out
}

// MarkPrice resolves the configured mark price for a symbol.
func (m *Monitor) MarkPrice(symbol string) decimal.Decimal {
	return m.markPrice(symbol)
}

// EdgeFreezeThresholdBps returns the configured freeze threshold.
func (m *Monitor) EdgeFreezeThresholdBps() decimal.Decimal {
	return m.edgeFreezeThresholdBps
}

// BlocksTotal returns the number of blocked orders so far.
func (m *Monitor) BlocksTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocksTotal
}

// FreezesTotal returns the number of freeze transitions so far.
func (m *Monitor) FreezesTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freezesTotal
}

// LastFreeze returns the most recent freeze reason and symbol.
func (m *Monitor) LastFreeze() (reason, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFreezeReason, m.lastFreezeSymbol
}

// Reset clears positions and the frozen flag but preserves counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = false
	m.positions = make(map[string]decimal.Decimal)
	m.lastFreezeReason = ""
	m.lastFreezeSymbol = ""
}

