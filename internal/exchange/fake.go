package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/pkg/types"
)

// FakeConfig tunes the deterministic fake exchange.
type FakeConfig struct {
	FillRate        float64
	RejectRate      float64
	PartialFillRate float64
	Latency         time.Duration
	Seed            int64
	Clock           func() int64
}

// FakeClient simulates an exchange with a seeded RNG so shadow runs are
// reproducible.
type FakeClient struct {
	mu sync.Mutex

	fillRate        float64
	rejectRate      float64
	partialFillRate float64
	latency         time.Duration
	rng             *rand.Rand
	clock           func() int64

	orderSeq     int64
	orders       map[string]*OpenOrder
	positions    map[string]decimal.Decimal
	pendingFills []types.FillEvent
	filters      map[string]types.SymbolFilters
}

// NewFakeClient builds a fake exchange. Zero-value rates mean no fills and
// no rejects; a nil clock defaults to wall time.
func NewFakeClient(cfg FakeConfig) *FakeClient {
	seed := cfg.Seed
	if seed == 0 {
		seed = 42
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &FakeClient{
		fillRate:        cfg.FillRate,
		rejectRate:      cfg.RejectRate,
		partialFillRate: cfg.PartialFillRate,
		latency:         cfg.Latency,
		rng:             rand.New(rand.NewSource(seed)),
		clock:           clock,
		orderSeq:        1,
		orders:          make(map[string]*OpenOrder),
		positions:       make(map[string]decimal.Decimal),
		filters:         make(map[string]types.SymbolFilters),
	}
}

func (c *FakeClient) PlaceLimitOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResponse, error) {
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return PlaceOrderResponse{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rng.Float64() < c.rejectRate {
		return PlaceOrderResponse{
			Success: false,
			Status:  types.StateRejected,
			Message: "Simulated rejection",
		}, nil
	}

	orderID := fmt.Sprintf("ORD%06d", c.orderSeq)
	c.orderSeq++

	order := &OpenOrder{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		FilledQty:     decimal.Zero,
		Price:         req.Price,
		Status:        types.StateOpen,
	}
	c.orders[orderID] = order

	if c.rng.Float64() < c.fillRate {
		if c.rng.Float64() < c.partialFillRate {
			// Partial fill between 50% and 90%.
			pct := decimal.NewFromFloat(0.5 + c.rng.Float64()*0.4)
			fillQty := req.Qty.Mul(pct)
			c.scheduleFillLocked(orderID, req.Symbol, req.Side, req.Price, fillQty)
			order.FilledQty = fillQty
			order.Status = types.StatePartiallyFilled
		} else {
			c.scheduleFillLocked(orderID, req.Symbol, req.Side, req.Price, req.Qty)
			order.FilledQty = req.Qty
			order.Status = types.StateFilled
		}
	}

	return PlaceOrderResponse{
		Success: true,
		OrderID: orderID,
		Status:  order.Status,
	}, nil
}

func (c *FakeClient) scheduleFillLocked(orderID, symbol string, side types.Side, price, qty decimal.Decimal) {
	c.pendingFills = append(c.pendingFills, types.FillEvent{
		OrderID:     orderID,
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		Price:       price,
		IsMaker:     true,
		TimestampMs: c.clock(),
	})
	c.positions[symbol] = c.positions[symbol].Add(side.Signed(qty))
}

func (c *FakeClient) CancelOrder(ctx context.Context, clientOrderID, symbol string) (PlaceOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, order := range c.orders {
		if order.ClientOrderID != clientOrderID {
			continue
		}
		if order.Status.IsTerminal() {
			return PlaceOrderResponse{
				Success: false,
				OrderID: order.OrderID,
				Status:  order.Status,
				Message: "order already terminal",
			}, nil
		}
		order.Status = types.StateCanceled
		return PlaceOrderResponse{
			Success: true,
			OrderID: order.OrderID,
			Status:  types.StateCanceled,
		}, nil
	}
	return PlaceOrderResponse{
		Success: false,
		Status:  types.StateRejected,
		Message: fmt.Sprintf("unknown order: %s", clientOrderID),
	}, nil
}

func (c *FakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []OpenOrder
	for _, order := range c.orders {
		if !order.Status.IsOpen() {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, *order)
	}
	return out, nil
}

func (c *FakeClient) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(c.positions))
	for sym, qty := range c.positions {
		if !qty.IsZero() {
			out[sym] = qty
		}
	}
	return out, nil
}

func (c *FakeClient) NextFill(ctx context.Context) (*types.FillEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pendingFills) == 0 {
		return nil, nil
	}
	fill := c.pendingFills[0]
	c.pendingFills = c.pendingFills[1:]
	return &fill, nil
}

// SetSymbolFilters overrides the filters returned for a symbol, for tests.
func (c *FakeClient) SetSymbolFilters(symbol string, filters types.SymbolFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[symbol] = filters
}

func (c *FakeClient) GetSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.filters[symbol]; ok {
		return f, nil
	}
	return DefaultFilters(symbol), nil
}

func (c *FakeClient) CurrentTimeMs() int64 {
	return c.clock()
}

// SeedPosition installs a position directly, for reconciliation tests.
func (c *FakeClient) SeedPosition(symbol string, qty decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = qty
}

// SeedOpenOrder installs an open order directly, for reconciliation tests.
func (c *FakeClient) SeedOpenOrder(order OpenOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[order.OrderID] = &order
}

// Reset clears all simulated state.
func (c *FakeClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orderSeq = 1
	c.orders = make(map[string]*OpenOrder)
	c.positions = make(map[string]decimal.Decimal)
	c.pendingFills = nil
}
