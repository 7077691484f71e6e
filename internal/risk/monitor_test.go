package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestMonitor(markPrice MarkPriceFunc) *Monitor {
	return NewMonitor(MonitorConfig{
		MaxInventoryUSDPerSymbol: dec("10000"),
		MaxTotalNotionalUSD:      dec("50000"),
		EdgeFreezeThresholdBps:   dec("1.5"),
		MarkPrice:                markPrice,
	}, nil, nil)
}

func TestMonitor_AllowsWithinLimits(t *testing.T) {
	m := newTestMonitor(nil)
	assert.True(t, m.CheckBeforeOrder("BTCUSDT", types.SideBuy, dec("0.1"), dec("50000")))
	assert.Equal(t, 0, m.BlocksTotal())
}

func TestMonitor_BlocksPerSymbolCeiling(t *testing.T) {
	m := newTestMonitor(nil)
	// 0.5 * 50000 = 25000 > 10000 per-symbol ceiling
	assert.False(t, m.CheckBeforeOrder("BTCUSDT", types.SideBuy, dec("0.5"), dec("50000")))
	assert.Equal(t, 1, m.BlocksTotal())
}

func TestMonitor_ShortingConsumesBudget(t *testing.T) {
	m := newTestMonitor(nil)
	// Selling into a short position consumes the same absolute budget.
	assert.False(t, m.CheckBeforeOrder("BTCUSDT", types.SideSell, dec("0.5"), dec("50000")))
}

func TestMonitor_TotalNotionalAcrossSymbols(t *testing.T) {
	marks := map[string]decimal.Decimal{
		"BTCUSDT": dec("50000"),
		"ETHUSDT": dec("3000"),
	}
	m := NewMonitor(MonitorConfig{
		MaxInventoryUSDPerSymbol: dec("30000"),
		MaxTotalNotionalUSD:      dec("35000"),
		EdgeFreezeThresholdBps:   dec("1.5"),
		MarkPrice: func(symbol string) decimal.Decimal {
			return marks[symbol]
		},
	}, nil, nil)

	// Build 25k of BTC exposure
	m.OnFill("BTCUSDT", types.SideBuy, dec("0.5"))

	// Another 10 ETH (30k) would pass the per-symbol limit but breach the
	// total ceiling at mark prices: 25000 + 30000 > 35000.
	assert.False(t, m.CheckBeforeOrder("ETHUSDT", types.SideBuy, dec("10"), dec("3000")))

	// A single ETH (3k) still fits.
	assert.True(t, m.CheckBeforeOrder("ETHUSDT", types.SideBuy, dec("1"), dec("3000")))
}

func TestMonitor_FreezeOnEdgeDegradation(t *testing.T) {
	m := newTestMonitor(nil)

	m.OnEdgeUpdate("BTCUSDT", dec("1.2"))
	assert.True(t, m.IsFrozen())
	assert.Equal(t, 1, m.FreezesTotal())

	reason, symbol := m.LastFreeze()
	assert.Contains(t, reason, "Edge degradation")
	assert.Contains(t, reason, "1.20")
	assert.Contains(t, reason, "1.50")
	assert.Equal(t, "BTCUSDT", symbol)

	// Repeat freezes are idempotent: flag stays, counter untouched.
	m.OnEdgeUpdate("ETHUSDT", dec("0.5"))
	assert.Equal(t, 1, m.FreezesTotal())
	_, symbol = m.LastFreeze()
	assert.Equal(t, "ETHUSDT", symbol)
}

func TestMonitor_FrozenBlocksEverything(t *testing.T) {
	m := newTestMonitor(nil)
	m.Freeze("manual", "")

	assert.False(t, m.CheckBeforeOrder("ETHUSDT", types.SideBuy, dec("0.001"), dec("3000")))
	assert.Equal(t, 1, m.BlocksTotal())
}

func TestMonitor_EdgeAtThresholdNoFreeze(t *testing.T) {
	m := newTestMonitor(nil)
	m.OnEdgeUpdate("BTCUSDT", dec("1.5"))
	assert.False(t, m.IsFrozen(), "threshold is exclusive: equal edge does not freeze")
}

func TestMonitor_ResetPreservesCounters(t *testing.T) {
	m := newTestMonitor(nil)
	m.OnFill("BTCUSDT", types.SideBuy, dec("0.1"))
	m.Freeze("manual", "BTCUSDT")
	m.CheckBeforeOrder("BTCUSDT", types.SideBuy, dec("0.1"), dec("50000"))

	require.Equal(t, 1, m.FreezesTotal())
	require.Equal(t, 1, m.BlocksTotal())

	m.Reset()

	assert.False(t, m.IsFrozen())
	assert.Empty(t, m.Positions())
	reason, _ := m.LastFreeze()
	assert.Empty(t, reason)
	// Counters reflect the run's history.
	assert.Equal(t, 1, m.FreezesTotal())
	assert.Equal(t, 1, m.BlocksTotal())
}

func TestMonitor_PositionIsSignedFillSum(t *testing.T) {
	m := newTestMonitor(nil)
	m.OnFill("BTCUSDT", types.SideBuy, dec("0.3"))
	m.OnFill("BTCUSDT", types.SideSell, dec("0.1"))

	positions := m.Positions()
	assert.True(t, positions["BTCUSDT"].Equal(dec("0.2")))
}
