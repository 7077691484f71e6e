package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/pkg/types"
)

func fill(symbol string, side types.Side, qty, price string) types.FillEvent {
	return types.FillEvent{
		Symbol:      symbol,
		Side:        side,
		Qty:         dec(qty),
		Price:       dec(price),
		IsMaker:     true,
		TimestampMs: 1000,
	}
}

func TestTracker_VWAPEntry(t *testing.T) {
	tr := NewPositionTracker()

	_, err := tr.ApplyFill(fill("BTCUSDT", types.SideBuy, "1", "50000"))
	require.NoError(t, err)
	pos, err := tr.ApplyFill(fill("BTCUSDT", types.SideBuy, "1", "52000"))
	require.NoError(t, err)

	assert.True(t, pos.Qty.Equal(dec("2")))
	assert.True(t, pos.AvgEntryPrice.Equal(dec("51000")), "got %s", pos.AvgEntryPrice)
	assert.True(t, pos.RealizedPnL.IsZero())
}

func TestTracker_RealizedOnClose(t *testing.T) {
	tr := NewPositionTracker()

	tr.ApplyFill(fill("BTCUSDT", types.SideBuy, "1", "50000"))
	pos, err := tr.ApplyFill(fill("BTCUSDT", types.SideSell, "1", "51000"))
	require.NoError(t, err)

	assert.True(t, pos.Qty.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(dec("1000")))
	assert.True(t, pos.AvgEntryPrice.IsZero(), "entry resets when flat")
}

func TestTracker_ShortSide(t *testing.T) {
	tr := NewPositionTracker()

	tr.ApplyFill(fill("ETHUSDT", types.SideSell, "2", "3000"))
	pos, err := tr.ApplyFill(fill("ETHUSDT", types.SideBuy, "1", "2900"))
	require.NoError(t, err)

	assert.True(t, pos.Qty.Equal(dec("-1")))
	// Bought back 1 at 2900 against a 3000 entry: +100
	assert.True(t, pos.RealizedPnL.Equal(dec("100")))
}

func TestTracker_FlipLongToShort(t *testing.T) {
	tr := NewPositionTracker()

	tr.ApplyFill(fill("BTCUSDT", types.SideBuy, "1", "50000"))
	pos, err := tr.ApplyFill(fill("BTCUSDT", types.SideSell, "3", "51000"))
	require.NoError(t, err)

	assert.True(t, pos.Qty.Equal(dec("-2")))
	assert.True(t, pos.RealizedPnL.Equal(dec("1000")))
	// The remaining short opens at the fill price.
	assert.True(t, pos.AvgEntryPrice.Equal(dec("51000")))
}

func TestTracker_UnrealizedOnMark(t *testing.T) {
	tr := NewPositionTracker()

	tr.ApplyFill(fill("BTCUSDT", types.SideBuy, "2", "50000"))
	tr.UpdateMarkPrice("BTCUSDT", dec("50500"), 2000)

	pos, ok := tr.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnL.Equal(dec("1000")))

	realized, unrealized := tr.TotalPnL()
	assert.True(t, realized.IsZero())
	assert.True(t, unrealized.Equal(dec("1000")))
}

func TestTracker_NotionalStats(t *testing.T) {
	tr := NewPositionTracker()

	tr.ApplyFill(fill("BTCUSDT", types.SideBuy, "1", "50000"))
	tr.ApplyFill(fill("BTCUSDT", types.SideSell, "0.5", "51000"))

	pos, ok := tr.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.TotalBuyQty.Equal(dec("1")))
	assert.True(t, pos.TotalSellQty.Equal(dec("0.5")))
	assert.True(t, pos.TotalBuyNotional.Equal(dec("50000")))
	assert.True(t, pos.TotalSellNotional.Equal(dec("25500")))
}
