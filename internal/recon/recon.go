// Package recon compares local order/position truth against exchange truth.
// Reconciliation is purely observational: it never mutates store state.
package recon

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/internal/exchange"
	"github.com/quantor/mmexec/internal/fees"
	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/internal/store"
)

// PositionDelta is one symbol's local-versus-remote position difference.
type PositionDelta struct {
	Local  decimal.Decimal `json:"local"`
	Remote decimal.Decimal `json:"remote"`
	Delta  decimal.Decimal `json:"delta"`
}

// Report is the canonical reconciliation output.
type Report struct {
	TimestampMs      int64                    `json:"timestamp_ms"`
	Symbols          []string                 `json:"symbols"`
	OrdersLocalOnly  []string                 `json:"orders_local_only"`
	OrdersRemoteOnly []string                 `json:"orders_remote_only"`
	PositionDeltas   map[string]PositionDelta `json:"position_deltas"`
	FeesReport       *fees.Report             `json:"fees_report,omitempty"`
	DivergenceCount  int                      `json:"divergence_count"`
}

// ToMap renders the report for the canonical run report.
func (r *Report) ToMap() map[string]any {
	deltas := make(map[string]any, len(r.PositionDeltas))
	for sym, d := range r.PositionDeltas {
		deltas[sym] = map[string]any{
			"local":  d.Local.InexactFloat64(),
			"remote": d.Remote.InexactFloat64(),
			"delta":  d.Delta.InexactFloat64(),
		}
	}
	out := map[string]any{
		"timestamp_ms":       r.TimestampMs,
		"symbols":            r.Symbols,
		"orders_local_only":  r.OrdersLocalOnly,
		"orders_remote_only": r.OrdersRemoteOnly,
		"position_deltas":    deltas,
		"divergence_count":   r.DivergenceCount,
	}
	if r.FeesReport != nil {
		out["fees_report"] = r.FeesReport.ToMap()
	} else {
		out["fees_report"] = map[string]any{}
	}
	return out
}

// Config carries the reconciliation collaborators.
type Config struct {
	Exchange exchange.Client
	Store    store.OrderStore
	Clock    func() int64
	Symbols  []string
	Schedule *fees.Schedule
	Profiles map[string]fees.Profile
	Metrics  *obs.Metrics
}

// Reconcile aligns local open orders and fill-derived positions with the
// exchange view and rolls up fees when a schedule is configured. Per-symbol
// remote errors are skipped, matching best-effort semantics.
func Reconcile(ctx context.Context, cfg Config) (*Report, error) {
	report := &Report{
		TimestampMs:      cfg.Clock(),
		Symbols:          sortedCopy(cfg.Symbols),
		OrdersLocalOnly:  []string{},
		OrdersRemoteOnly: []string{},
		PositionDeltas:   make(map[string]PositionDelta),
	}

	localOrders, err := cfg.Store.GetOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	localIDs := make(map[string]struct{}, len(localOrders))
	for _, order := range localOrders {
		localIDs[order.ClientOrderID] = struct{}{}
	}

	remoteIDs := make(map[string]struct{})
	for _, symbol := range cfg.Symbols {
		remoteOrders, err := cfg.Exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			continue
		}
		for _, order := range remoteOrders {
			remoteIDs[order.ClientOrderID] = struct{}{}
		}
	}

	for id := range localIDs {
		if _, ok := remoteIDs[id]; !ok {
			report.OrdersLocalOnly = append(report.OrdersLocalOnly, id)
		}
	}
	for id := range remoteIDs {
		if _, ok := localIDs[id]; !ok {
			report.OrdersRemoteOnly = append(report.OrdersRemoteOnly, id)
		}
	}
	sort.Strings(report.OrdersLocalOnly)
	sort.Strings(report.OrdersRemoteOnly)

	// Local positions from recorded fills; remote from the adapter.
	localFills, err := cfg.Store.Fills(ctx)
	if err != nil {
		return nil, err
	}
	localPositions := make(map[string]decimal.Decimal)
	for _, fill := range localFills {
		localPositions[fill.Symbol] = localPositions[fill.Symbol].Add(fill.Side.Signed(fill.Qty))
	}

	remotePositions, err := cfg.Exchange.GetPositions(ctx)
	if err != nil {
		remotePositions = map[string]decimal.Decimal{}
	}

	allSymbols := make(map[string]struct{})
	for sym := range localPositions {
		allSymbols[sym] = struct{}{}
	}
	for sym := range remotePositions {
		allSymbols[sym] = struct{}{}
	}
	for sym := range allSymbols {
		local := localPositions[sym]
		remote := remotePositions[sym]
		if !local.Equal(remote) {
			report.PositionDeltas[sym] = PositionDelta{
				Local:  local,
				Remote: remote,
				Delta:  remote.Sub(local),
			}
		}
	}

	if cfg.Schedule != nil {
		feeFills := make([]fees.Fill, 0, len(localFills))
		for _, fill := range localFills {
			feeFills = append(feeFills, fees.Fill{
				Symbol:  fill.Symbol,
				Side:    fill.Side,
				Qty:     fill.Qty,
				Price:   fill.Price,
				IsMaker: fill.IsMaker,
			})
		}
		feeReport := fees.Calc(feeFills, *cfg.Schedule, cfg.Profiles)
		report.FeesReport = &feeReport

		if cfg.Metrics != nil {
			cfg.Metrics.MakerTakerRatio.Set(feeReport.MakerTakerRatio.InexactFloat64())
			cfg.Metrics.NetBps.Set(feeReport.NetBps.InexactFloat64())
		}
	}

	report.DivergenceCount = len(report.OrdersLocalOnly) + len(report.OrdersRemoteOnly) + len(report.PositionDeltas)

	if cfg.Metrics != nil {
		if n := len(report.OrdersLocalOnly); n > 0 {
			cfg.Metrics.ReconDivergence.WithLabelValues("orders_local_only").Add(float64(n))
		}
		if n := len(report.OrdersRemoteOnly); n > 0 {
			cfg.Metrics.ReconDivergence.WithLabelValues("orders_remote_only").Add(float64(n))
		}
		if n := len(report.PositionDeltas); n > 0 {
			cfg.Metrics.ReconDivergence.WithLabelValues("position_delta").Add(float64(n))
		}
	}
	return report, nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
