package engine

import (
	"sort"
	"time"

	"github.com/quantor/mmexec/pkg/types"
)

// buildReport assembles the canonical run report. Serialized with
// types.CanonicalJSON it is byte-stable for identical inputs when the clock
// is pinned.
func (l *Loop) buildReport(params Params) map[string]any {
	positions := l.risk.Positions()

	symbols := make([]string, 0, len(positions))
	for sym := range positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	bySymbol := make(map[string]any, len(positions))
	netPosUSD := make(map[string]any, len(positions))
	totalNotional := 0.0
	for _, sym := range symbols {
		qty := positions[sym]
		mark := l.risk.MarkPrice(sym)
		notional := qty.Mul(mark).Abs().InexactFloat64()
		bySymbol[sym] = qty.InexactFloat64()
		netPosUSD[sym] = notional
		totalNotional += notional
	}

	failed := l.stats.OrdersRejected + l.stats.RiskBlocks + l.stats.OrdersBlocked
	passed := l.stats.OrdersPlaced + l.stats.OrdersFilled
	status := "pass"
	if failed > 0 {
		status = "fail"
	}

	totalOrders := passed + failed
	makerFillRate := 0.0
	if totalOrders > 0 {
		makerFillRate = float64(l.stats.OrdersFilled) / float64(totalOrders)
	}
	riskRatio := 0.0
	if params.MaxTotalNotionalUSD.Sign() > 0 {
		riskRatio = totalNotional / params.MaxTotalNotionalUSD.InexactFloat64()
	}
	if l.metrics != nil {
		l.metrics.RiskRatio.Set(riskRatio)
	}

	network := "mainnet"
	if l.cfg.Testnet {
		network = "testnet"
	}

	sortedSymbols := make([]string, len(params.Symbols))
	copy(sortedSymbols, params.Symbols)
	sort.Strings(sortedSymbols)

	freezeReason, freezeSymbol := l.risk.LastFreeze()

	report := map[string]any{
		"timestamp_ms": l.clock(),
		"params": map[string]any{
			"network":          network,
			"symbols":          sortedSymbols,
			"iterations":       params.Iterations,
			"maker_only":       l.cfg.MakerOnly,
			"recon_interval_s": int(l.cfg.ReconInterval.Seconds()),
		},
		"summary": map[string]any{
			"status":          status,
			"passed":          passed,
			"failed":          failed,
			"warnings":        l.stats.FreezeEvents,
			"maker_fill_rate": round4(makerFillRate),
			"risk_ratio_p95":  round4(riskRatio),
			"latency_p95_ms":  round4(percentile(l.latenciesMs, 0.95)),
		},
		"execution": map[string]any{
			"iterations":       params.Iterations,
			"symbols":          sortedSymbols,
			"maker_only":       l.cfg.MakerOnly,
			"network_enabled":  l.cfg.NetworkEnabled,
			"testnet":          l.cfg.Testnet,
			"recon_interval_s": int(l.cfg.ReconInterval.Seconds()),
		},
		"orders": map[string]any{
			"placed":      l.stats.OrdersPlaced,
			"filled":      l.stats.OrdersFilled,
			"rejected":    l.stats.OrdersRejected,
			"canceled":    l.stats.OrdersCanceled,
			"risk_blocks": l.stats.RiskBlocks,
			"blocked":     l.stats.OrdersBlocked,
		},
		"positions": map[string]any{
			"by_symbol":          bySymbol,
			"net_pos_usd":        netPosUSD,
			"total_notional_usd": totalNotional,
		},
		"risk": map[string]any{
			"frozen":             l.risk.IsFrozen(),
			"freeze_events":      l.stats.FreezeEvents,
			"last_freeze_reason": freezeReason,
			"last_freeze_symbol": freezeSymbol,
			"blocks_total":       l.risk.BlocksTotal(),
			"freezes_total":      l.risk.FreezesTotal(),
		},
		"state": map[string]any{
			"recoveries":           l.stats.Recoveries,
			"duplicate_operations": l.stats.DuplicateOperations,
			"recon_runs":           l.stats.ReconRuns,
		},
		"runtime": map[string]any{
			"utc": time.UnixMilli(l.clock()).UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	}

	if l.lastRecon != nil {
		report["recon"] = l.lastRecon.ToMap()
	}
	return report
}

// Render serializes a report deterministically: sorted keys, compact
// separators, one trailing newline.
func Render(report map[string]any) ([]byte, error) {
	return types.CanonicalJSON(report)
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
