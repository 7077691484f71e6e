package router

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/internal/exchange"
	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/internal/resilience"
	"github.com/quantor/mmexec/pkg/types"
)

// scriptedClient returns queued errors before succeeding, and counts calls.
type scriptedClient struct {
	placeErrs []error
	calls     int
}

func (c *scriptedClient) PlaceLimitOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.PlaceOrderResponse, error) {
	c.calls++
	if len(c.placeErrs) > 0 {
		err := c.placeErrs[0]
		c.placeErrs = c.placeErrs[1:]
		if err != nil {
			return exchange.PlaceOrderResponse{}, err
		}
	}
	return exchange.PlaceOrderResponse{Success: true, OrderID: "ORD1", Status: types.StateOpen}, nil
}

func (c *scriptedClient) CancelOrder(ctx context.Context, clientOrderID, symbol string) (exchange.PlaceOrderResponse, error) {
	return exchange.PlaceOrderResponse{Success: true, Status: types.StateCanceled}, nil
}

func (c *scriptedClient) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (c *scriptedClient) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (c *scriptedClient) NextFill(ctx context.Context) (*types.FillEvent, error) {
	return nil, nil
}

func (c *scriptedClient) GetSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	return exchange.DefaultFilters(symbol), nil
}

func (c *scriptedClient) CurrentTimeMs() int64 { return 1700000000000 }

func testConfig() Config {
	return Config{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Breaker: resilience.BreakerConfig{
			Window:        60 * time.Second,
			FailThreshold: 3,
			Cooldown:      200 * time.Millisecond,
			MinDwell:      100 * time.Millisecond,
			ProbeCount:    1,
		},
		Limiter: resilience.LimiterConfig{CapacityPerSec: 1000, Burst: 1000},
	}
}

func req(cid string) exchange.PlaceOrderRequest {
	return exchange.PlaceOrderRequest{
		ClientOrderID: cid,
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		Qty:           decimal.RequireFromString("0.01"),
		Price:         decimal.RequireFromString("50000"),
	}
}

func newTestRouter(client exchange.Client, cfg Config) *Router {
	logger := obs.Component(obs.NewLogger("error", io.Discard), "router")
	return New(client, cfg, logger, obs.NewMetrics())
}

func TestRouter_RetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{placeErrs: []error{
		errors.New("HTTP 429 Too Many Requests"),
		errors.New("connection reset"),
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	r := newTestRouter(client, cfg)

	resp, err := r.PlaceLimitOrder(ctx, req("CLI00000001"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, client.calls, "two transient failures retried")
}

func TestRouter_NoRetryOnPermanentError(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{placeErrs: []error{
		errors.New("invalid qty precision"),
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	r := newTestRouter(client, cfg)

	_, err := r.PlaceLimitOrder(ctx, req("CLI00000001"))
	require.Error(t, err)
	assert.Equal(t, 1, client.calls, "validation errors are not retried")
}

func TestRouter_BreakerTripsOn429(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{placeErrs: []error{
		errors.New("HTTP 429"),
		errors.New("HTTP 429"),
		errors.New("HTTP 429"),
	}}
	r := newTestRouter(client, testConfig())

	// Three placements each fail with 429; the breaker reaches threshold.
	for i, cid := range []string{"CLI1", "CLI2", "CLI3"} {
		_, err := r.PlaceLimitOrder(ctx, req(cid))
		require.Error(t, err, "placement %d", i)
	}
	require.Equal(t, 3, client.calls)
	assert.Equal(t, resilience.StateOpen, r.Breaker(EndpointPlaceOrder).State())

	// The fourth is rejected without invoking the adapter.
	_, err := r.PlaceLimitOrder(ctx, req("CLI4"))
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrBreakerOpen)
	assert.Equal(t, 3, client.calls)

	// After cooldown a probe is admitted; on success the breaker closes.
	time.Sleep(300 * time.Millisecond)
	resp, err := r.PlaceLimitOrder(ctx, req("CLI5"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, resilience.StateClosed, r.Breaker(EndpointPlaceOrder).State())
}

func TestRouter_DeduplicatesByClientOrderID(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{}
	r := newTestRouter(client, testConfig())

	first, err := r.PlaceLimitOrder(ctx, req("CLI00000001"))
	require.NoError(t, err)

	second, err := r.PlaceLimitOrder(ctx, req("CLI00000001"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.calls, "duplicate never reaches the exchange")
}

func TestRouter_RejectionIsNotABreakerFailure(t *testing.T) {
	ctx := context.Background()
	client := exchange.NewFakeClient(exchange.FakeConfig{RejectRate: 1.0})
	r := newTestRouter(client, testConfig())

	resp, err := r.PlaceLimitOrder(ctx, req("CLI00000001"))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 0, r.Breaker(EndpointPlaceOrder).FailureCount())
}
