package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/pkg/types"
)

// MemoryStore is the in-process order store used by tests and shadow runs.
// It honors the same idempotency contract as the durable store; results are
// cached per idem key for the life of the process.
type MemoryStore struct {
	mu        sync.Mutex
	orders    map[string]*types.Order
	idemCache map[string]MutationResult
	fills     []types.FillEvent
	seq       int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*types.Order),
		idemCache: make(map[string]MutationResult),
		seq:       1,
	}
}

// GenerateClientOrderID mints the next id in the dense CLI sequence.
func (s *MemoryStore) GenerateClientOrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

func (s *MemoryStore) nextIDLocked() string {
	id := fmt.Sprintf("CLI%08d", s.seq)
	s.seq++
	return id
}

func (s *MemoryStore) cachedLocked(idemKey string) (MutationResult, bool) {
	res, ok := s.idemCache[idemKey]
	if !ok {
		return MutationResult{}, false
	}
	res.WasDuplicate = true
	if res.Order != nil {
		res.Order = res.Order.Clone()
	}
	return res, true
}

func (s *MemoryStore) cacheLocked(idemKey string, res MutationResult) MutationResult {
	cached := res
	if res.Order != nil {
		cached.Order = res.Order.Clone()
	}
	s.idemCache[idemKey] = cached
	return res
}

func (s *MemoryStore) PlaceOrder(ctx context.Context, req PlaceRequest) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.cachedLocked(req.IdemKey); ok {
		return res, nil
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = s.nextIDLocked()
	}
	if _, exists := s.orders[clientOrderID]; exists {
		res := MutationResult{Success: false, Message: fmt.Sprintf("order already exists: %s", clientOrderID)}
		return s.cacheLocked(req.IdemKey, res), nil
	}

	order := &types.Order{
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Price:         req.Price,
		State:         types.StatePending,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		CreatedAtMs:   req.TimestampMs,
		UpdatedAtMs:   req.TimestampMs,
	}
	s.orders[clientOrderID] = order

	res := MutationResult{
		Success: true,
		Order:   order.Clone(),
		Message: fmt.Sprintf("Order placed: %s", clientOrderID),
	}
	return s.cacheLocked(req.IdemKey, res), nil
}

func (s *MemoryStore) UpdateOrderState(ctx context.Context, clientOrderID string, state types.OrderState, idemKey string, tsMs int64, exchangeOrderID, message string) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.cachedLocked(idemKey); ok {
		return res, nil
	}

	order, ok := s.orders[clientOrderID]
	if !ok {
		res := MutationResult{Success: false, Message: fmt.Sprintf("Order not found: %s", clientOrderID)}
		return s.cacheLocked(idemKey, res), nil
	}

	event, err := TransitionEvent(order.State, state)
	if err != nil {
		res := MutationResult{Success: false, Message: err.Error()}
		return s.cacheLocked(idemKey, res), nil
	}

	order.State = state
	order.UpdatedAtMs = tsMs
	if exchangeOrderID != "" {
		order.ExchangeOrderID = exchangeOrderID
	}
	if message != "" {
		order.Message = message
	}
	order.Events = append(order.Events, types.OrderEvent{
		Type:            event,
		TimestampMs:     tsMs,
		ExchangeOrderID: exchangeOrderID,
		Reason:          message,
	})

	res := MutationResult{
		Success: true,
		Order:   order.Clone(),
		Message: fmt.Sprintf("Order state updated: %s -> %s", clientOrderID, state),
	}
	return s.cacheLocked(idemKey, res), nil
}

func (s *MemoryStore) UpdateFill(ctx context.Context, clientOrderID string, filledQty, avgFillPrice decimal.Decimal, idemKey string, tsMs int64) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.cachedLocked(idemKey); ok {
		return res, nil
	}

	order, ok := s.orders[clientOrderID]
	if !ok {
		res := MutationResult{Success: false, Message: fmt.Sprintf("Order not found: %s", clientOrderID)}
		return s.cacheLocked(idemKey, res), nil
	}
	if filledQty.GreaterThan(order.Qty) {
		res := MutationResult{Success: false, Message: fmt.Sprintf("filled qty %s exceeds order qty %s", filledQty, order.Qty)}
		return s.cacheLocked(idemKey, res), nil
	}

	event := types.EventPartialFill
	state := types.StatePartiallyFilled
	if filledQty.Equal(order.Qty) {
		event = types.EventFullFill
		state = types.StateFilled
	}
	if _, err := NextState(order.State, event); err != nil {
		res := MutationResult{Success: false, Message: err.Error()}
		return s.cacheLocked(idemKey, res), nil
	}

	delta := filledQty.Sub(order.FilledQty)
	order.FilledQty = filledQty
	order.AvgFillPrice = avgFillPrice
	order.State = state
	order.UpdatedAtMs = tsMs
	order.Events = append(order.Events, types.OrderEvent{
		Type:        event,
		TimestampMs: tsMs,
		FillQty:     &delta,
		FillPrice:   &avgFillPrice,
	})

	res := MutationResult{
		Success: true,
		Order:   order.Clone(),
		Message: fmt.Sprintf("Fill updated: %s %s@%s", clientOrderID, filledQty, avgFillPrice),
	}
	return s.cacheLocked(idemKey, res), nil
}

func (s *MemoryStore) CancelAllOpen(ctx context.Context, idemKey string, tsMs int64) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.cachedLocked(idemKey); ok {
		return res, nil
	}

	canceled := 0
	for _, order := range s.orders {
		if !order.State.IsOpen() {
			continue
		}
		order.State = types.StateCanceled
		order.UpdatedAtMs = tsMs
		order.Events = append(order.Events, types.OrderEvent{
			Type:        types.EventCancelAck,
			TimestampMs: tsMs,
			Reason:      "cancel_all",
		})
		canceled++
	}

	res := MutationResult{
		Success:       true,
		CanceledCount: canceled,
		Message:       fmt.Sprintf("Canceled %d open orders", canceled),
	}
	return s.cacheLocked(idemKey, res), nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	return order.Clone(), nil
}

func (s *MemoryStore) GetOpenOrders(ctx context.Context) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Order
	for _, order := range s.orders {
		if order.State.IsOpen() {
			out = append(out, order.Clone())
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) GetOrdersBySymbol(ctx context.Context, symbol string) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Order
	for _, order := range s.orders {
		if order.Symbol == symbol {
			out = append(out, order.Clone())
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) CountByState(ctx context.Context) (map[types.OrderState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[types.OrderState]int)
	for _, order := range s.orders {
		counts[order.State]++
	}
	return counts, nil
}

func (s *MemoryStore) RecordFill(ctx context.Context, fill types.FillEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, fill)
	return nil
}

func (s *MemoryStore) Fills(ctx context.Context) ([]types.FillEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FillEvent, len(s.fills))
	copy(out, s.fills)
	return out, nil
}

// Reset clears all state, for tests.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]*types.Order)
	s.idemCache = make(map[string]MutationResult)
	s.fills = nil
	s.seq = 1
}

func sortOrders(orders []*types.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].ClientOrderID < orders[j].ClientOrderID
	})
}
