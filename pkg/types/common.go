package types

import (
	"github.com/shopspring/decimal"
)

// Order sides
const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

type Side string

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Signed returns qty with the sign implied by the side (buy positive).
func (s Side) Signed(qty decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return qty.Neg()
	}
	return qty
}

// Order lifecycle states
const (
	StatePending         OrderState = "pending"
	StateOpen            OrderState = "open"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
	StateRejected        OrderState = "rejected"
)

type OrderState string

// IsTerminal reports whether no further transitions are allowed.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected:
		return true
	}
	return false
}

// IsOpen reports whether the order belongs in the open-order index.
func (s OrderState) IsOpen() bool {
	return s == StateOpen || s == StatePartiallyFilled
}

// Order lifecycle events (state transition triggers)
const (
	EventOrderAck    EventType = "OrderAck"
	EventOrderReject EventType = "OrderReject"
	EventPartialFill EventType = "PartialFill"
	EventFullFill    EventType = "FullFill"
	EventCancelAck   EventType = "CancelAck"
)

type EventType string

// OrderEvent is one entry in an order's append-only history.
type OrderEvent struct {
	Type            EventType         `json:"event_type"`
	TimestampMs     int64             `json:"timestamp_ms"`
	ExchangeOrderID string            `json:"exchange_order_id,omitempty"`
	FillQty         *decimal.Decimal  `json:"fill_qty,omitempty"`
	FillPrice       *decimal.Decimal  `json:"fill_price,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Order is the locally owned order record. The order store exclusively owns
// lifecycle mutations; everything else reads.
type Order struct {
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	State           OrderState      `json:"state"`
	ExchangeOrderID string          `json:"order_id,omitempty"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	CreatedAtMs     int64           `json:"created_at_ms"`
	UpdatedAtMs     int64           `json:"updated_at_ms"`
	Message         string          `json:"message,omitempty"`
	Events          []OrderEvent    `json:"events,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Events != nil {
		cp.Events = make([]OrderEvent, len(o.Events))
		copy(cp.Events, o.Events)
	}
	return &cp
}

// FillEvent is a single execution reported by the exchange.
type FillEvent struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	IsMaker     bool            `json:"is_maker"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// Quote is a top-of-book market snapshot.
type Quote struct {
	Symbol      string          `json:"symbol"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// Mid returns the quote midpoint.
func (q Quote) Mid() decimal.Decimal {
	return q.BestBid.Add(q.BestAsk).Div(decimal.NewFromInt(2))
}

// SymbolFilters holds the exchange quantization rules for a symbol.
type SymbolFilters struct {
	Symbol         string          `json:"symbol"`
	TickSize       decimal.Decimal `json:"tick_size"`
	StepSize       decimal.Decimal `json:"step_size"`
	MinQty         decimal.Decimal `json:"min_qty"`
	PricePrecision int             `json:"price_precision"`
	QtyPrecision   int             `json:"qty_precision"`
}

// Position is the per-symbol net position derived from fills.
type Position struct {
	Symbol            string           `json:"symbol"`
	Qty               decimal.Decimal  `json:"qty"`
	AvgEntryPrice     decimal.Decimal  `json:"avg_entry_price"`
	RealizedPnL       decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal  `json:"unrealized_pnl"`
	TotalBuyQty       decimal.Decimal  `json:"total_buy_qty"`
	TotalSellQty      decimal.Decimal  `json:"total_sell_qty"`
	TotalBuyNotional  decimal.Decimal  `json:"total_buy_notional"`
	TotalSellNotional decimal.Decimal  `json:"total_sell_notional"`
	LastMarkPrice     *decimal.Decimal `json:"last_mark_price,omitempty"`
	UpdatedAtMs       int64            `json:"updated_at_ms"`
}
