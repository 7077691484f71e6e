package recon

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/internal/exchange"
	"github.com/quantor/mmexec/internal/fees"
	"github.com/quantor/mmexec/internal/store"
	"github.com/quantor/mmexec/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fixedClock() int64 { return 1700000000000 }

func TestReconcile_CleanState(t *testing.T) {
	ctx := context.Background()
	client := exchange.NewFakeClient(exchange.FakeConfig{Clock: fixedClock})
	st := store.NewMemoryStore()

	report, err := Reconcile(ctx, Config{
		Exchange: client,
		Store:    st,
		Clock:    fixedClock,
		Symbols:  []string{"BTCUSDT"},
	})
	require.NoError(t, err)

	assert.Empty(t, report.OrdersLocalOnly)
	assert.Empty(t, report.OrdersRemoteOnly)
	assert.Empty(t, report.PositionDeltas)
	assert.Equal(t, 0, report.DivergenceCount)
}

func TestReconcile_Divergences(t *testing.T) {
	ctx := context.Background()
	client := exchange.NewFakeClient(exchange.FakeConfig{Clock: fixedClock})
	st := store.NewMemoryStore()

	// Local-only open order.
	res, err := st.PlaceOrder(ctx, store.PlaceRequest{
		ClientOrderID: "local_only_1",
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		Qty:           dec("0.01"),
		Price:         dec("50000"),
		IdemKey:       "p1",
		TimestampMs:   1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	_, err = st.UpdateOrderState(ctx, "local_only_1", types.StateOpen, "s1", 2000, "", "")
	require.NoError(t, err)

	// Remote-only open order plus a remote position with no local fills.
	client.SeedOpenOrder(exchange.OpenOrder{
		OrderID:       "R1",
		ClientOrderID: "remote_only_1",
		Symbol:        "ETHUSDT",
		Side:          types.SideSell,
		Qty:           dec("0.1"),
		Price:         dec("3000"),
		Status:        types.StateOpen,
	})
	client.SeedPosition("BTCUSDT", dec("0.49"))

	report, err := Reconcile(ctx, Config{
		Exchange: client,
		Store:    st,
		Clock:    fixedClock,
		Symbols:  []string{"BTCUSDT", "ETHUSDT"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"local_only_1"}, report.OrdersLocalOnly)
	assert.Equal(t, []string{"remote_only_1"}, report.OrdersRemoteOnly)

	delta, ok := report.PositionDeltas["BTCUSDT"]
	require.True(t, ok)
	assert.True(t, delta.Local.IsZero())
	assert.True(t, delta.Remote.Equal(dec("0.49")))
	assert.True(t, delta.Delta.Equal(dec("0.49")))

	assert.Equal(t, 3, report.DivergenceCount)
}

func TestReconcile_PositionsAgreeWhenFillsMatch(t *testing.T) {
	ctx := context.Background()
	client := exchange.NewFakeClient(exchange.FakeConfig{Clock: fixedClock})
	st := store.NewMemoryStore()

	require.NoError(t, st.RecordFill(ctx, types.FillEvent{
		OrderID: "ORD1", Symbol: "BTCUSDT", Side: types.SideBuy,
		Qty: dec("0.49"), Price: dec("50000"), IsMaker: true,
	}))
	client.SeedPosition("BTCUSDT", dec("0.49"))

	report, err := Reconcile(ctx, Config{
		Exchange: client,
		Store:    st,
		Clock:    fixedClock,
		Symbols:  []string{"BTCUSDT"},
	})
	require.NoError(t, err)
	assert.Empty(t, report.PositionDeltas)
	assert.Equal(t, 0, report.DivergenceCount)
}

func TestReconcile_FeesRollup(t *testing.T) {
	ctx := context.Background()
	client := exchange.NewFakeClient(exchange.FakeConfig{Clock: fixedClock})
	st := store.NewMemoryStore()

	st.RecordFill(ctx, types.FillEvent{
		OrderID: "ORD1", Symbol: "BTCUSDT", Side: types.SideBuy,
		Qty: dec("1"), Price: dec("50000"), IsMaker: true,
	})
	st.RecordFill(ctx, types.FillEvent{
		OrderID: "ORD2", Symbol: "BTCUSDT", Side: types.SideSell,
		Qty: dec("1"), Price: dec("50000"), IsMaker: false,
	})
	client.SeedPosition("BTCUSDT", decimal.Zero)

	schedule := &fees.Schedule{
		MakerBps:       dec("1"),
		TakerBps:       dec("7"),
		MakerRebateBps: dec("2"),
	}
	report, err := Reconcile(ctx, Config{
		Exchange: client,
		Store:    st,
		Clock:    fixedClock,
		Symbols:  []string{"BTCUSDT"},
		Schedule: schedule,
	})
	require.NoError(t, err)

	require.NotNil(t, report.FeesReport)
	assert.True(t, report.FeesReport.GrossNotional.Equal(dec("100000")))
	assert.Equal(t, 1, report.FeesReport.MakerCount)
	assert.Equal(t, 1, report.FeesReport.TakerCount)
	assert.True(t, report.FeesReport.MakerTakerRatio.Equal(dec("0.5")))
}

func TestReconcile_IsObservational(t *testing.T) {
	ctx := context.Background()
	client := exchange.NewFakeClient(exchange.FakeConfig{Clock: fixedClock})
	st := store.NewMemoryStore()

	res, _ := st.PlaceOrder(ctx, store.PlaceRequest{
		Symbol: "BTCUSDT", Side: types.SideBuy,
		Qty: dec("0.01"), Price: dec("50000"), IdemKey: "p1", TimestampMs: 1000,
	})
	st.UpdateOrderState(ctx, res.Order.ClientOrderID, types.StateOpen, "s1", 2000, "", "")

	_, err := Reconcile(ctx, Config{
		Exchange: client,
		Store:    st,
		Clock:    fixedClock,
		Symbols:  []string{"BTCUSDT"},
	})
	require.NoError(t, err)

	order, err := st.GetOrder(ctx, res.Order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StateOpen, order.State, "recon never mutates store state")
}
