package exchange

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/pkg/types"
)

// Filter lookup sources recorded in metrics.
const (
	FilterSourceCached  = "cached"
	FilterSourceFetched = "fetched"
	FilterSourceStale   = "stale"
	FilterSourceDefault = "default"
)

// FiltersCache caches symbol trading filters with a TTL to cut adapter
// calls. On fetch failure it prefers a stale entry over defaults.
type FiltersCache struct {
	mu      sync.Mutex
	clock   func() int64
	ttlMs   int64
	entries map[string]filtersEntry
	metrics *obs.Metrics
}

type filtersEntry struct {
	filters  types.SymbolFilters
	cachedAt int64
}

// NewFiltersCache builds the cache. clock returns milliseconds.
func NewFiltersCache(clock func() int64, ttlSeconds int64, metrics *obs.Metrics) *FiltersCache {
	return &FiltersCache{
		clock:   clock,
		ttlMs:   ttlSeconds * 1000,
		entries: make(map[string]filtersEntry),
		metrics: metrics,
	}
}

// Get returns filters for symbol, consulting the cache first and falling
// back to fetch, stale cache, then per-symbol defaults. The source of every
// lookup is counted.
func (c *FiltersCache) Get(symbol string, fetch func() (types.SymbolFilters, error)) types.SymbolFilters {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if entry, ok := c.entries[symbol]; ok && now-entry.cachedAt < c.ttlMs {
		c.countSource(FilterSourceCached)
		return entry.filters
	}

	filters, err := fetch()
	if err == nil {
		c.entries[symbol] = filtersEntry{filters: filters, cachedAt: now}
		c.countSource(FilterSourceFetched)
		return filters
	}

	if entry, ok := c.entries[symbol]; ok {
		c.countSource(FilterSourceStale)
		return entry.filters
	}

	c.countSource(FilterSourceDefault)
	if c.metrics != nil {
		c.metrics.FiltersFetchErrors.Inc()
	}
	return DefaultFilters(symbol)
}

func (c *FiltersCache) countSource(source string) {
	if c.metrics != nil {
		c.metrics.FiltersSource.WithLabelValues(source).Inc()
	}
}

// Clear drops the entry for symbol, or everything when symbol is empty.
func (c *FiltersCache) Clear(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if symbol == "" {
		c.entries = make(map[string]filtersEntry)
		return
	}
	delete(c.entries, symbol)
}

// DefaultFilters returns safe per-symbol defaults used when no live source
// is available.
func DefaultFilters(symbol string) types.SymbolFilters {
	switch symbol {
	case "BTCUSDT":
		return types.SymbolFilters{
			Symbol:         symbol,
			TickSize:       decimal.RequireFromString("0.01"),
			StepSize:       decimal.RequireFromString("0.00001"),
			MinQty:         decimal.RequireFromString("0.00001"),
			PricePrecision: 2,
			QtyPrecision:   5,
		}
	case "ETHUSDT":
		return types.SymbolFilters{
			Symbol:         symbol,
			TickSize:       decimal.RequireFromString("0.01"),
			StepSize:       decimal.RequireFromString("0.0001"),
			MinQty:         decimal.RequireFromString("0.0001"),
			PricePrecision: 2,
			QtyPrecision:   4,
		}
	case "SOLUSDT":
		return types.SymbolFilters{
			Symbol:         symbol,
			TickSize:       decimal.RequireFromString("0.001"),
			StepSize:       decimal.RequireFromString("0.01"),
			MinQty:         decimal.RequireFromString("0.01"),
			PricePrecision: 3,
			QtyPrecision:   2,
		}
	default:
		return types.SymbolFilters{
			Symbol:         symbol,
			TickSize:       decimal.RequireFromString("0.01"),
			StepSize:       decimal.RequireFromString("0.001"),
			MinQty:         decimal.RequireFromString("0.001"),
			PricePrecision: 2,
			QtyPrecision:   3,
		}
	}
}
