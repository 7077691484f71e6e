// Package exchange defines the narrow adapter contract the execution core
// depends on, together with a deterministic fake for tests and a dry-run
// client that signs requests but never sends them.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/pkg/types"
)

// PlaceOrderRequest describes a limit order submission.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
}

// PlaceOrderResponse is the exchange's answer to a place or cancel call.
type PlaceOrderResponse struct {
	Success bool
	OrderID string
	Status  types.OrderState
	Message string
}

// OpenOrder is an order as reported open by the exchange.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	Price         decimal.Decimal
	Status        types.OrderState
}

// Client is the exchange adapter contract. Implementations must be safe for
// use from the single-flight execution loop plus the reconciliation
// scheduler.
type Client interface {
	PlaceLimitOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, clientOrderID, symbol string) (PlaceOrderResponse, error)
	// GetOpenOrders returns open orders; an empty symbol means all symbols.
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetPositions(ctx context.Context) (map[string]decimal.Decimal, error)
	// NextFill pops the next pending fill, or nil when none is available.
	NextFill(ctx context.Context) (*types.FillEvent, error)
	GetSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error)
	// CurrentTimeMs is a monotonic millisecond clock.
	CurrentTimeMs() int64
}
