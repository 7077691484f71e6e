package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/pkg/types"
)

// PositionTracker maintains per-symbol net positions with volume-weighted
// entry prices, realized PnL on closes and mark-to-market unrealized PnL.
type PositionTracker struct {
	mu        sync.Mutex
	positions map[string]*types.Position
}

// NewPositionTracker creates an empty tracker.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{positions: make(map[string]*types.Position)}
}

// ApplyFill folds a fill into the symbol's position and returns a copy of the
// updated record.
func (t *PositionTracker) ApplyFill(fill types.FillEvent) (types.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[fill.Symbol]
	if !ok {
		pos = &types.Position{
			Symbol:            fill.Symbol,
			Qty:               decimal.Zero,
			AvgEntryPrice:     decimal.Zero,
			RealizedPnL:       decimal.Zero,
			UnrealizedPnL:     decimal.Zero,
			TotalBuyQty:       decimal.Zero,
			TotalSellQty:      decimal.Zero,
			TotalBuyNotional:  decimal.Zero,
			TotalSellNotional: decimal.Zero,
		}
		t.positions[fill.Symbol] = pos
	}

	switch fill.Side {
	case types.SideBuy:
		applyBuy(pos, fill.Qty, fill.Price)
	case types.SideSell:
		applySell(pos, fill.Qty, fill.Price)
	default:
		return types.Position{}, fmt.Errorf("invalid fill side: %s", fill.Side)
	}

	pos.UpdatedAtMs = fill.TimestampMs
	if pos.LastMarkPrice != nil {
		pos.UnrealizedPnL = unrealized(pos, *pos.LastMarkPrice)
	}
	return *pos, nil
}

func applyBuy(pos *types.Position, qty, price decimal.Decimal) {
	pos.TotalBuyQty = pos.TotalBuyQty.Add(qty)
	pos.TotalBuyNotional = pos.TotalBuyNotional.Add(qty.Mul(price))

	oldQty := pos.Qty
	newQty := oldQty.Add(qty)

	switch {
	case oldQty.Sign() >= 0:
		// Opening or increasing a long: VWAP the entry.
		if newQty.Sign() > 0 {
			pos.AvgEntryPrice = oldQty.Mul(pos.AvgEntryPrice).Add(qty.Mul(price)).Div(newQty)
		}
		pos.Qty = newQty
	case oldQty.Abs().GreaterThanOrEqual(qty):
		// Closing (part of) a short.
		pos.RealizedPnL = pos.RealizedPnL.Add(qty.Mul(pos.AvgEntryPrice.Sub(price)))
		pos.Qty = newQty
		if pos.Qty.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}
	default:
		// Flipping short to long: realize the short, open the rest long.
		closeQty := oldQty.Abs()
		pos.RealizedPnL = pos.RealizedPnL.Add(closeQty.Mul(pos.AvgEntryPrice.Sub(price)))
		pos.Qty = newQty
		pos.AvgEntryPrice = price
	}
}

func applySell(pos *types.Position, qty, price decimal.Decimal) {
	pos.TotalSellQty = pos.TotalSellQty.Add(qty)
	pos.TotalSellNotional = pos.TotalSellNotional.Add(qty.Mul(price))

	oldQty := pos.Qty
	newQty := oldQty.Sub(qty)

	switch {
	case oldQty.Sign() <= 0:
		// Opening or increasing a short: VWAP the entry.
		if newQty.Sign() < 0 {
			pos.AvgEntryPrice = oldQty.Abs().Mul(pos.AvgEntryPrice).Add(qty.Mul(price)).Div(newQty.Abs())
		}
		pos.Qty = newQty
	case oldQty.GreaterThanOrEqual(qty):
		// Closing (part of) a long.
		pos.RealizedPnL = pos.RealizedPnL.Add(qty.Mul(price.Sub(pos.AvgEntryPrice)))
		pos.Qty = newQty
		if pos.Qty.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}
	default:
		// Flipping long to short: realize the long, open the rest short.
		closeQty := oldQty
		pos.RealizedPnL = pos.RealizedPnL.Add(closeQty.Mul(price.Sub(pos.AvgEntryPrice)))
		pos.Qty = newQty
		pos.AvgEntryPrice = price
	}
}

func unrealized(pos *types.Position, mark decimal.Decimal) decimal.Decimal {
	if pos.Qty.IsZero() {
		return decimal.Zero
	}
	return pos.Qty.Mul(mark.Sub(pos.AvgEntryPrice))
}

// UpdateMarkPrice recomputes unrealized PnL for a symbol at the given mark.
func (t *PositionTracker) UpdateMarkPrice(symbol string, mark decimal.Decimal, tsMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return
	}
	markCopy := mark
	pos.LastMarkPrice = &markCopy
	pos.UnrealizedPnL = unrealized(pos, mark)
	pos.UpdatedAtMs = tsMs
}

// Position returns a copy of the record for symbol.
func (t *PositionTracker) Position(symbol string) (types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// All returns copies of every position.
func (t *PositionTracker) All() map[string]types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]types.Position, len(t.positions))
	for sym, pos := range t.positions {
		out[sym] = *pos
	}
	return out
}

// TotalPnL sums realized and unrealized PnL across symbols.
func (t *PositionTracker) TotalPnL() (realized, unrealizedTotal decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	realized = decimal.Zero
	unrealizedTotal = decimal.Zero
	for _, pos := range t.positions {
		realized = realized.Add(pos.RealizedPnL)
		unrealizedTotal = unrealizedTotal.Add(pos.UnrealizedPnL)
	}
	return realized, unrealizedTotal
}
