package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/pkg/types"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
)

// BybitConfig configures the dry-run Bybit client.
type BybitConfig struct {
	APIKey         string
	APISecret      string
	NetworkEnabled bool
	Testnet        bool
	FillRate       float64
	FillLatency    time.Duration
	Seed           int64
	Clock          func() int64
}

// BybitDryRunClient builds and signs Bybit v5 requests but never sends them.
// Order outcomes are simulated the same way the fake client does, so the
// full placement path (signing included) can be exercised without network
// side effects.
type BybitDryRunClient struct {
	mu sync.Mutex

	apiKey         string
	apiSecret      string
	baseURL        string
	networkEnabled bool
	testnet        bool
	fillRate       float64
	fillLatency    time.Duration
	rng            *rand.Rand
	clock          func() int64
	log            *logrus.Entry

	orderSeq     int64
	orders       map[string]*OpenOrder
	positions    map[string]decimal.Decimal
	pendingFills []types.FillEvent
}

// NewBybitDryRunClient builds the client. log may be nil.
func NewBybitDryRunClient(cfg BybitConfig, log *logrus.Entry) *BybitDryRunClient {
	seed := cfg.Seed
	if seed == 0 {
		seed = 42
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	baseURL := bybitMainnetURL
	if cfg.Testnet {
		baseURL = bybitTestnetURL
	}
	return &BybitDryRunClient{
		apiKey:         cfg.APIKey,
		apiSecret:      cfg.APISecret,
		baseURL:        baseURL,
		networkEnabled: cfg.NetworkEnabled,
		testnet:        cfg.Testnet,
		fillRate:       cfg.FillRate,
		fillLatency:    cfg.FillLatency,
		rng:            rand.New(rand.NewSource(seed)),
		clock:          clock,
		log:            log,
	}
}

// sign produces the Bybit v5 request signature:
// HMAC_SHA256(secret, timestamp + api_key + recv_window + payload).
func (c *BybitDryRunClient) sign(timestampMs int64, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte(c.apiKey))
	mac.Write([]byte(bybitRecvWindow))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// buildRequest constructs the signed HTTP request that would be sent in live
// mode. The dry-run path stops here.
func (c *BybitDryRunClient) buildRequest(ctx context.Context, method, path, payload string) (*http.Request, error) {
	ts := c.clock()
	signature := c.sign(ts, payload)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("Content-Type", "application/json")

	if c.log != nil {
		c.log.WithFields(logrus.Fields{
			"method":    method,
			"path":      path,
			"api_key":   c.apiKey,
			"signature": obs.MaskSecret(signature),
			"dry_run":   !c.networkEnabled,
		}).Debug("request_signed")
	}
	return req, nil
}

func (c *BybitDryRunClient) ensureInit() {
	if c.orders == nil {
		c.orders = make(map[string]*OpenOrder)
	}
	if c.positions == nil {
		c.positions = make(map[string]decimal.Decimal)
	}
}

func (c *BybitDryRunClient) PlaceLimitOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResponse, error) {
	payload := fmt.Sprintf(`{"category":"linear","symbol":%q,"side":%q,"orderType":"Limit","qty":%q,"price":%q,"orderLinkId":%q,"timeInForce":"PostOnly"}`,
		req.Symbol, req.Side, req.Qty.String(), req.Price.String(), req.ClientOrderID)
	if _, err := c.buildRequest(ctx, http.MethodPost, "/v5/order/create", payload); err != nil {
		return PlaceOrderResponse{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureInit()

	c.orderSeq++
	orderID := fmt.Sprintf("BYB%06d", c.orderSeq)
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
		// Dry-run fills arrive as a partial followed by the remainder; the
		// store treats partial fills as the general case.
		half := req.Qty.Div(decimal.NewFromInt(2))
		fillTs := c.clock() + c.fillLatency.Milliseconds()
		c.pendingFills = append(c.pendingFills,
			types.FillEvent{
				OrderID: orderID, Symbol: req.Symbol, Side: req.Side,
				Qty: half, Price: req.Price, IsMaker: true, TimestampMs: fillTs,
			},
			types.FillEvent{
				OrderID: orderID, Symbol: req.Symbol, Side: req.Side,
				Qty: req.Qty.Sub(half), Price: req.Price, IsMaker: true, TimestampMs: fillTs,
			},
		)
		c.positions[req.Symbol] = c.positions[req.Symbol].Add(req.Side.Signed(req.Qty))
		order.FilledQty = req.Qty
		order.Status = types.StateFilled
	}

	return PlaceOrderResponse{Success: true, OrderID: orderID, Status: order.Status}, nil
}

func (c *BybitDryRunClient) CancelOrder(ctx context.Context, clientOrderID, symbol string) (PlaceOrderResponse, error) {
	payload := fmt.Sprintf(`{"category":"linear","symbol":%q,"orderLinkId":%q}`, symbol, clientOrderID)
	if _, err := c.buildRequest(ctx, http.MethodPost, "/v5/order/cancel", payload); err != nil {
		return PlaceOrderResponse{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureInit()

	for _, order := range c.orders {
		if order.ClientOrderID != clientOrderID {
			continue
		}
		if order.Status.IsTerminal() {
			return PlaceOrderResponse{Success: false, OrderID: order.OrderID, Status: order.Status, Message: "order already terminal"}, nil
		}
		order.Status = types.StateCanceled
		return PlaceOrderResponse{Success: true, OrderID: order.OrderID, Status: types.StateCanceled}, nil
	}
	return PlaceOrderResponse{Success: false, Status: types.StateRejected, Message: fmt.Sprintf("unknown order: %s", clientOrderID)}, nil
}

func (c *BybitDryRunClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if _, err := c.buildRequest(ctx, http.MethodGet, "/v5/order/realtime", "category=linear&symbol="+symbol); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureInit()

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

func (c *BybitDryRunClient) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	if _, err := c.buildRequest(ctx, http.MethodGet, "/v5/position/list", "category=linear"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureInit()

	out := make(map[string]decimal.Decimal, len(c.positions))
	for sym, qty := range c.positions {
		if !qty.IsZero() {
			out[sym] = qty
		}
	}
	return out, nil
}

func (c *BybitDryRunClient) NextFill(ctx context.Context) (*types.FillEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pendingFills) == 0 {
		return nil, nil
	}
	fill := c.pendingFills[0]
	c.pendingFills = c.pendingFills[1:]
	return &fill, nil
}

func (c *BybitDryRunClient) GetSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	if _, err := c.buildRequest(ctx, http.MethodGet, "/v5/market/instruments-info", "category=linear&symbol="+symbol); err != nil {
		return types.SymbolFilters{}, err
	}
	return DefaultFilters(symbol), nil
}

func (c *BybitDryRunClient) CurrentTimeMs() int64 {
	return c.clock()
}
