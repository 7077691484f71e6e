package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/pkg/types"
)

func newDryRunClient() *BybitDryRunClient {
	return NewBybitDryRunClient(BybitConfig{
		APIKey:    "test-key",
		APISecret: "test-secret",
		Testnet:   true,
		FillRate:  1.0,
		Clock:     fixedClock,
	}, nil)
}

func TestBybitSign_Deterministic(t *testing.T) {
	c := newDryRunClient()

	sig1 := c.sign(1700000000000, `{"symbol":"BTCUSDT"}`)
	sig2 := c.sign(1700000000000, `{"symbol":"BTCUSDT"}`)
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64, "hex-encoded SHA256")

	// Any input change perturbs the signature.
	assert.NotEqual(t, sig1, c.sign(1700000000001, `{"symbol":"BTCUSDT"}`))
	assert.NotEqual(t, sig1, c.sign(1700000000000, `{"symbol":"ETHUSDT"}`))
}

func TestBybitDryRun_PlaceNeverSends(t *testing.T) {
	ctx := context.Background()
	c := newDryRunClient()

	resp, err := c.PlaceLimitOrder(ctx, placeReq("CLI00000001"))
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "BYB000001", resp.OrderID)
}

func TestBybitDryRun_PartialThenFullFill(t *testing.T) {
	ctx := context.Background()
	c := newDryRunClient()

	_, err := c.PlaceLimitOrder(ctx, placeReq("CLI00000001"))
	require.NoError(t, err)

	first, err := c.NextFill(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := c.NextFill(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)

	// The two fills sum to the full quantity.
	assert.True(t, first.Qty.Add(second.Qty).Equal(dec("0.01")))
	assert.Equal(t, first.OrderID, second.OrderID)

	third, err := c.NextFill(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestBybitDryRun_PositionsFollowFills(t *testing.T) {
	ctx := context.Background()
	c := newDryRunClient()

	c.PlaceLimitOrder(ctx, placeReq("CLI00000001"))
	sellReq := placeReq("CLI00000002")
	sellReq.Side = types.SideSell
	sellReq.Qty = dec("0.004")
	c.PlaceLimitOrder(ctx, sellReq)

	positions, err := c.GetPositions(ctx)
	require.NoError(t, err)
	assert.True(t, positions["BTCUSDT"].Equal(dec("0.006")))
}

func TestBybitDryRun_Filters(t *testing.T) {
	ctx := context.Background()
	c := newDryRunClient()

	filters, err := c.GetSymbolFilters(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", filters.Symbol)
	assert.True(t, filters.TickSize.Equal(dec("0.01")))
}
