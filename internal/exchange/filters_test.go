package exchange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/pkg/types"
)

func TestFiltersCache_FetchThenCache(t *testing.T) {
	now := int64(0)
	cache := NewFiltersCache(func() int64 { return now }, 600, obs.NewMetrics())

	fetches := 0
	fetch := func() (types.SymbolFilters, error) {
		fetches++
		return DefaultFilters("BTCUSDT"), nil
	}

	cache.Get("BTCUSDT", fetch)
	cache.Get("BTCUSDT", fetch)
	assert.Equal(t, 1, fetches, "second lookup hits the cache")

	// Past the TTL the entry is refetched.
	now = 601 * 1000
	cache.Get("BTCUSDT", fetch)
	assert.Equal(t, 2, fetches)
}

func TestFiltersCache_StaleOnFetchFailure(t *testing.T) {
	now := int64(0)
	cache := NewFiltersCache(func() int64 { return now }, 600, obs.NewMetrics())

	good := DefaultFilters("BTCUSDT")
	cache.Get("BTCUSDT", func() (types.SymbolFilters, error) { return good, nil })

	now = 601 * 1000
	filters := cache.Get("BTCUSDT", func() (types.SymbolFilters, error) {
		return types.SymbolFilters{}, errors.New("HTTP 503")
	})
	assert.True(t, filters.TickSize.Equal(good.TickSize), "stale entry wins over defaults")
}

func TestFiltersCache_DefaultWhenNothingCached(t *testing.T) {
	cache := NewFiltersCache(func() int64 { return 0 }, 600, obs.NewMetrics())

	filters := cache.Get("DOGEUSDT", func() (types.SymbolFilters, error) {
		return types.SymbolFilters{}, errors.New("HTTP 503")
	})
	require.Equal(t, "DOGEUSDT", filters.Symbol)
	assert.False(t, filters.TickSize.IsZero())
}

func TestFiltersCache_Clear(t *testing.T) {
	cache := NewFiltersCache(func() int64 { return 0 }, 600, nil)

	fetches := 0
	fetch := func() (types.SymbolFilters, error) {
		fetches++
		return DefaultFilters("BTCUSDT"), nil
	}
	cache.Get("BTCUSDT", fetch)
	cache.Clear("BTCUSDT")
	cache.Get("BTCUSDT", fetch)
	assert.Equal(t, 2, fetches)
}

func TestDefaultFilters_KnownSymbols(t *testing.T) {
	btc := DefaultFilters("BTCUSDT")
	assert.Equal(t, 5, btc.QtyPrecision)
	assert.True(t, btc.StepSize.Equal(dec("0.00001")))

	sol := DefaultFilters("SOLUSDT")
	assert.True(t, sol.TickSize.Equal(dec("0.001")))

	generic := DefaultFilters("XRPUSDT")
	assert.True(t, generic.StepSize.Equal(dec("0.001")))
}
