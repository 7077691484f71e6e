package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/pkg/types"
)

// PlaceRequest describes a new order. When ClientOrderID is empty the store
// mints the next id in the dense CLI sequence.
type PlaceRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	IdemKey       string
	TimestampMs   int64
}

// MutationResult is the tagged outcome of an idempotent store mutation. A
// repeated idem key yields the cached result with WasDuplicate set; the
// mutation is applied at most once.
type MutationResult struct {
	Success       bool         `json:"success"`
	Order         *types.Order `json:"order,omitempty"`
	WasDuplicate  bool         `json:"was_duplicate"`
	CanceledCount int          `json:"canceled_count,omitempty"`
	Message       string       `json:"message"`
}

// OrderStore is the shared contract of the in-memory and durable stores.
type OrderStore interface {
	// GenerateClientOrderID mints the next id in the dense monotonic sequence.
	GenerateClientOrderID() string

	PlaceOrder(ctx context.Context, req PlaceRequest) (MutationResult, error)
	UpdateOrderState(ctx context.Context, clientOrderID string, state types.OrderState, idemKey string, tsMs int64, exchangeOrderID, message string) (MutationResult, error)
	UpdateFill(ctx context.Context, clientOrderID string, filledQty, avgFillPrice decimal.Decimal, idemKey string, tsMs int64) (MutationResult, error)
	CancelAllOpen(ctx context.Context, idemKey string, tsMs int64) (MutationResult, error)

	GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error)
	GetOpenOrders(ctx context.Context) ([]*types.Order, error)
	GetOrdersBySymbol(ctx context.Context, symbol string) ([]*types.Order, error)
	CountByState(ctx context.Context) (map[types.OrderState]int, error)

	// RecordFill appends a fill for position reconciliation; Fills returns
	// them in arrival order.
	RecordFill(ctx context.Context, fill types.FillEvent) error
	Fills(ctx context.Context) ([]types.FillEvent, error)
}

// Recoverer is implemented by stores that can replay a durable journal after
// a restart.
type Recoverer interface {
	RecoverFromSnapshot(ctx context.Context) (int, error)
}
