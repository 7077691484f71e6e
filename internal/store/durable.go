package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantor/mmexec/pkg/kv"
	"github.com/quantor/mmexec/pkg/types"
)

const (
	idemTTL         = 24 * time.Hour
	keyOpenSet      = "orders:open"
	keyFillsList    = "fills"
	journalFileName = "orders.jsonl"
	snapshotName    = "orders_snapshot.json"
)

func orderKey(clientOrderID string) string { return "orders:" + clientOrderID }

func symbolKey(symbol string) string { return "orders:by_symbol:" + symbol }

func idemCacheKey(idemKey string) string { return "idem:" + idemKey }

func clientSeqNumber(id string) (int, bool) {
	if !strings.HasPrefix(id, "CLI") {
		return 0, false
	}
	n, err := strconv.Atoi(id[3:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// cachedResult is the serialized form of a MutationResult kept in the idem
// cache.
type cachedResult struct {
	Success       bool         `json:"success"`
	Order         *types.Order `json:"order,omitempty"`
	CanceledCount int          `json:"canceled_count,omitempty"`
	Message       string       `json:"message"`
}

// DurableStore keeps live order state in a KV layer and appends every
// successful mutation as one deterministic JSON line to the on-disk journal.
// Replaying the journal reproduces the KV state, the open/by-symbol indexes
// and the id sequence.
type DurableStore struct {
	mu sync.Mutex

	kv          kv.Store
	snapshotDir string
	journalPath string
	seq         int64
	clock       func() int64
	log         *logrus.Entry
}

// NewDurableStore creates the store and its snapshot directory. A nil clock
// defaults to wall time in ms.
func NewDurableStore(store kv.Store, snapshotDir string, clock func() int64, log *logrus.Entry) (*DurableStore, error) {
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &DurableStore{
		kv:          store,
		snapshotDir: snapshotDir,
		journalPath: filepath.Join(snapshotDir, journalFileName),
		seq:         1,
		clock:       clock,
		log:         log,
	}, nil
}

// GenerateClientOrderID mints the next id in the dense CLI sequence.
func (s *DurableStore) GenerateClientOrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

func (s *DurableStore) nextIDLocked() string {
	id := fmt.Sprintf("CLI%08d", s.seq)
	s.seq++
	return id
}

func (s *DurableStore) ts(tsMs int64) int64 {
	if tsMs != 0 {
		return tsMs
	}
	return s.clock()
}

func (s *DurableStore) lookupCached(ctx context.Context, idemKey string) (MutationResult, bool, error) {
	raw, ok, err := s.kv.Get(ctx, idemCacheKey(idemKey))
	if err != nil || !ok {
		return MutationResult{}, false, err
	}
	var cached cachedResult
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return MutationResult{}, false, fmt.Errorf("decode idem cache %s: %w", idemKey, err)
	}
	return MutationResult{
		Success:       cached.Success,
		Order:         cached.Order,
		WasDuplicate:  true,
		CanceledCount: cached.CanceledCount,
		Message:       cached.Message,
	}, true, nil
}

func (s *DurableStore) cacheResult(ctx context.Context, idemKey string, res MutationResult) (MutationResult, error) {
	data, err := types.CanonicalJSON(cachedResult{
		Success:       res.Success,
		Order:         res.Order,
		CanceledCount: res.CanceledCount,
		Message:       res.Message,
	})
	if err != nil {
		return res, fmt.Errorf("encode idem cache %s: %w", idemKey, err)
	}
	if err := s.kv.Set(ctx, idemCacheKey(idemKey), string(data), idemTTL); err != nil {
		return res, fmt.Errorf("store idem cache %s: %w", idemKey, err)
	}
	return res, nil
}

func (s *DurableStore) saveOrder(ctx context.Context, order *types.Order) error {
	data, err := types.CanonicalJSON(order)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", order.ClientOrderID, err)
	}
	if err := s.kv.Set(ctx, orderKey(order.ClientOrderID), string(data), 0); err != nil {
		return fmt.Errorf("store order %s: %w", order.ClientOrderID, err)
	}
	return nil
}

func (s *DurableStore) loadOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	raw, ok, err := s.kv.Get(ctx, orderKey(clientOrderID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var order types.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", clientOrderID, err)
	}
	return &order, nil
}

// appendJournal writes one canonical JSON line and flushes it before the
// mutation is acknowledged.
func (s *DurableStore) appendJournal(order *types.Order) error {
	line, err := types.CanonicalJSON(order)
	if err != nil {
		return fmt.Errorf("encode journal line: %w", err)
	}
	f, err := os.OpenFile(s.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return f.Sync()
}

// syncOpenIndex keeps the open set consistent with the order state.
func (s *DurableStore) syncOpenIndex(ctx context.Context, order *types.Order) error {
	if order.State.IsOpen() {
		_, err := s.kv.SAdd(ctx, keyOpenSet, order.ClientOrderID)
		return err
	}
	_, err := s.kv.SRem(ctx, keyOpenSet, order.ClientOrderID)
	return err
}

func (s *DurableStore) PlaceOrder(ctx context.Context, req PlaceRequest) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok, err := s.lookupCached(ctx, req.IdemKey); err != nil {
		return MutationResult{}, err
	} else if ok {
		return res, nil
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = s.nextIDLocked()
	} else if n, ok := clientSeqNumber(clientOrderID); ok && int64(n) >= s.seq {
		s.seq = int64(n) + 1
	}

	tsMs := s.ts(req.TimestampMs)
	order := &types.Order{
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Price:         req.Price,
		State:         types.StatePending,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		CreatedAtMs:   tsMs,
		UpdatedAtMs:   tsMs,
	}

	if err := s.saveOrder(ctx, order); err != nil {
		return MutationResult{}, err
	}
	if _, err := s.kv.SAdd(ctx, symbolKey(req.Symbol), clientOrderID); err != nil {
		return MutationResult{}, err
	}
	if err := s.appendJournal(order); err != nil {
		return MutationResult{}, err
	}

	res := MutationResult{
		Success: true,
		Order:   order,
		Message: fmt.Sprintf("Order placed: %s", clientOrderID),
	}
	return s.cacheResult(ctx, req.IdemKey, res)
}

func (s *DurableStore) UpdateOrderState(ctx context.Context, clientOrderID string, state types.OrderState, idemKey string, tsMs int64, exchangeOrderID, message string) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok, err := s.lookupCached(ctx, idemKey); err != nil {
		return MutationResult{}, err
	} else if ok {
		return res, nil
	}

	order, err := s.loadOrder(ctx, clientOrderID)
	if err != nil {
		return MutationResult{}, err
	}
	if order == nil {
		// Negative result is cached too so duplicates stay idempotent.
		return s.cacheResult(ctx, idemKey, MutationResult{
			Success: false,
			Message: fmt.Sprintf("Order not found: %s", clientOrderID),
		})
	}

	event, err := TransitionEvent(order.State, state)
	if err != nil {
		return s.cacheResult(ctx, idemKey, MutationResult{Success: false, Message: err.Error()})
	}

	tsMs = s.ts(tsMs)
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

	if err := s.saveOrder(ctx, order); err != nil {
		return MutationResult{}, err
	}
	if err := s.syncOpenIndex(ctx, order); err != nil {
		return MutationResult{}, err
	}
	if err := s.appendJournal(order); err != nil {
		return MutationResult{}, err
	}

	return s.cacheResult(ctx, idemKey, MutationResult{
		Success: true,
		Order:   order,
		Message: fmt.Sprintf("Order state updated: %s -> %s", clientOrderID, state),
	})
}

func (s *DurableStore) UpdateFill(ctx context.Context, clientOrderID string, filledQty, avgFillPrice decimal.Decimal, idemKey string, tsMs int64) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok, err := s.lookupCached(ctx, idemKey); err != nil {
		return MutationResult{}, err
	} else if ok {
		return res, nil
	}

	order, err := s.loadOrder(ctx, clientOrderID)
	if err != nil {
		return MutationResult{}, err
	}
	if order == nil {
		return s.cacheResult(ctx, idemKey, MutationResult{
			Success: false,
			Message: fmt.Sprintf("Order not found: %s", clientOrderID),
		})
	}
	if filledQty.GreaterThan(order.Qty) {
		return s.cacheResult(ctx, idemKey, MutationResult{
			Success: false,
			Message: fmt.Sprintf("filled qty %s exceeds order qty %s", filledQty, order.Qty),
		})
	}

	event := types.EventPartialFill
	state := types.StatePartiallyFilled
	if filledQty.Equal(order.Qty) {
		event = types.EventFullFill
		state = types.StateFilled
	}
	if _, err := NextState(order.State, event); err != nil {
		return s.cacheResult(ctx, idemKey, MutationResult{Success: false, Message: err.Error()})
	}

	tsMs = s.ts(tsMs)
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

	if err := s.saveOrder(ctx, order); err != nil {
		return MutationResult{}, err
	}
	if err := s.syncOpenIndex(ctx, order); err != nil {
		return MutationResult{}, err
	}
	if err := s.appendJournal(order); err != nil {
		return MutationResult{}, err
	}

	return s.cacheResult(ctx, idemKey, MutationResult{
		Success: true,
		Order:   order,
		Message: fmt.Sprintf("Fill updated: %s %s@%s", clientOrderID, filledQty, avgFillPrice),
	})
}

// CancelAllOpen transitions every open order to canceled under a single idem
// key; the whole bulk cancellation deduplicates as one unit.
func (s *DurableStore) CancelAllOpen(ctx context.Context, idemKey string, tsMs int64) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok, err := s.lookupCached(ctx, idemKey); err != nil {
		return MutationResult{}, err
	} else if ok {
		return res, nil
	}

	openIDs, err := s.kv.SMembers(ctx, keyOpenSet)
	if err != nil {
		return MutationResult{}, err
	}
	sort.Strings(openIDs)

	tsMs = s.ts(tsMs)
	canceled := 0
	for _, clientOrderID := range openIDs {
		order, err := s.loadOrder(ctx, clientOrderID)
		if err != nil {
			return MutationResult{}, err
		}
		if order == nil || !order.State.IsOpen() {
			continue
		}
		order.State = types.StateCanceled
		order.UpdatedAtMs = tsMs
		order.Events = append(order.Events, types.OrderEvent{
			Type:        types.EventCancelAck,
			TimestampMs: tsMs,
			Reason:      "cancel_all",
		})
		if err := s.saveOrder(ctx, order); err != nil {
			return MutationResult{}, err
		}
		if _, err := s.kv.SRem(ctx, keyOpenSet, clientOrderID); err != nil {
			return MutationResult{}, err
		}
		if err := s.appendJournal(order); err != nil {
			return MutationResult{}, err
		}
		canceled++
	}

	return s.cacheResult(ctx, idemKey, MutationResult{
		Success:       true,
		CanceledCount: canceled,
		Message:       fmt.Sprintf("Canceled %d open orders", canceled),
	})
}

func (s *DurableStore) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadOrder(ctx, clientOrderID)
}

func (s *DurableStore) GetOpenOrders(ctx context.Context) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.kv.SMembers(ctx, keyOpenSet)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*types.Order, 0, len(ids))
	for _, id := range ids {
		order, err := s.loadOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if order != nil {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *DurableStore) GetOrdersBySymbol(ctx context.Context, symbol string) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.kv.SMembers(ctx, symbolKey(symbol))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*types.Order, 0, len(ids))
	for _, id := range ids {
		order, err := s.loadOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if order != nil {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *DurableStore) CountByState(ctx context.Context) (map[types.OrderState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.OrderState]int)
	var cursor uint64
	for {
		next, keys, err := s.kv.Scan(ctx, cursor, "orders:CLI*", 100)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			order, err := s.loadOrder(ctx, strings.TrimPrefix(key, "orders:"))
			if err != nil {
				return nil, err
			}
			if order != nil {
				counts[order.State]++
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return counts, nil
}

func (s *DurableStore) RecordFill(ctx context.Context, fill types.FillEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := types.CanonicalJSON(fill)
	if err != nil {
		return fmt.Errorf("encode fill: %w", err)
	}
	_, err = s.kv.RPush(ctx, keyFillsList, string(data))
	return err
}

func (s *DurableStore) Fills(ctx context.Context) ([]types.FillEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.LRange(ctx, keyFillsList, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]types.FillEvent, 0, len(raw))
	for _, line := range raw {
		var fill types.FillEvent
		if err := json.Unmarshal([]byte(line), &fill); err != nil {
			return nil, fmt.Errorf("decode fill: %w", err)
		}
		out = append(out, fill)
	}
	return out, nil
}

// RecoverFromSnapshot replays the journal line-by-line into the KV store,
// rebuilds the open and per-symbol indexes and advances the id sequence past
// the highest observed id. Returns the number of journal lines replayed.
func (s *DurableStore) RecoverFromSnapshot(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.journalPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	recovered := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var order types.Order
		if err := json.Unmarshal([]byte(line), &order); err != nil {
			return recovered, fmt.Errorf("decode journal line: %w", err)
		}

		if err := s.saveOrder(ctx, &order); err != nil {
			return recovered, err
		}
		if _, err := s.kv.SAdd(ctx, symbolKey(order.Symbol), order.ClientOrderID); err != nil {
			return recovered, err
		}
		if err := s.syncOpenIndex(ctx, &order); err != nil {
			return recovered, err
		}

		if n, ok := clientSeqNumber(order.ClientOrderID); ok && int64(n) >= s.seq {
			s.seq = int64(n) + 1
		}
		recovered++
	}
	if err := scanner.Err(); err != nil {
		return recovered, fmt.Errorf("read journal: %w", err)
	}
	return recovered, nil
}

// SaveSnapshot dumps a consolidated view of all orders to
// orders_snapshot.json. Best-effort: failures are logged, never returned.
func (s *DurableStore) SaveSnapshot(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make(map[string]map[string]any)
	var cursor uint64
	for {
		next, keys, err := s.kv.Scan(ctx, cursor, "orders:CLI*", 100)
		if err != nil {
			s.logSnapshotErr(err)
			return
		}
		for _, key := range keys {
			order, err := s.loadOrder(ctx, strings.TrimPrefix(key, "orders:"))
			if err != nil {
				s.logSnapshotErr(err)
				return
			}
			if order == nil {
				continue
			}
			orders[order.ClientOrderID] = map[string]any{
				"client_order_id": order.ClientOrderID,
				"symbol":          order.Symbol,
				"side":            order.Side,
				"qty":             order.Qty,
				"price":           order.Price,
				"state":           order.State,
				"order_id":        order.ExchangeOrderID,
				"updated_at_ms":   order.UpdatedAtMs,
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	data, err := types.CanonicalJSON(map[string]any{
		"ts_ms":  s.clock(),
		"orders": orders,
	})
	if err != nil {
		s.logSnapshotErr(err)
		return
	}
	if err := os.WriteFile(filepath.Join(s.snapshotDir, snapshotName), data, 0o644); err != nil {
		s.logSnapshotErr(err)
	}
}

func (s *DurableStore) logSnapshotErr(err error) {
	if s.log != nil {
		s.log.WithError(err).Warn("snapshot_write_failed")
	}
}

// ClearJournal removes the journal file, for tests.
func (s *DurableStore) ClearJournal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
