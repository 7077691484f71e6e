// Package fees computes maker/taker fees and rebates over fill sets with
// exact decimal arithmetic.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/pkg/types"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Schedule holds the global fee schedule in basis points. MakerRebateBps is
// positive and represents income.
type Schedule struct {
	MakerBps       decimal.Decimal
	TakerBps       decimal.Decimal
	MakerRebateBps decimal.Decimal
}

// Fill is a fee-relevant execution.
type Fill struct {
	Symbol  string
	Side    types.Side
	Qty     decimal.Decimal
	Price   decimal.Decimal
	IsMaker bool
}

// Notional returns qty * price.
func (f Fill) Notional() decimal.Decimal {
	return f.Qty.Mul(f.Price)
}

// Report is the fee/rebate rollup over a set of fills. The bps figures are
// relative to gross notional.
type Report struct {
	GrossNotional   decimal.Decimal `json:"gross_notional"`
	MakerNotional   decimal.Decimal `json:"maker_notional"`
	TakerNotional   decimal.Decimal `json:"taker_notional"`
	MakerCount      int             `json:"maker_count"`
	TakerCount      int             `json:"taker_count"`
	FeesAbsolute    decimal.Decimal `json:"fees_absolute"`
	RebatesAbsolute decimal.Decimal `json:"rebates_absolute"`
	NetAbsolute     decimal.Decimal `json:"net_absolute"`
	FeesBps         decimal.Decimal `json:"fees_bps"`
	RebatesBps      decimal.Decimal `json:"rebates_bps"`
	NetBps          decimal.Decimal `json:"net_bps"`
	MakerTakerRatio decimal.Decimal `json:"maker_taker_ratio"`
}

func emptyReport() Report {
	return Report{
		GrossNotional:   decimal.Zero,
		MakerNotional:   decimal.Zero,
		TakerNotional:   decimal.Zero,
		FeesAbsolute:    decimal.Zero,
		RebatesAbsolute: decimal.Zero,
		NetAbsolute:     decimal.Zero,
		FeesBps:         decimal.Zero,
		RebatesBps:      decimal.Zero,
		NetBps:          decimal.Zero,
		MakerTakerRatio: decimal.Zero,
	}
}

// Calc aggregates fees and rebates. When profiles is non-nil, per-symbol
// schedules are consulted first (with "*" wildcard fallback); fills with no
// matching profile use the global schedule.
func Calc(fills []Fill, schedule Schedule, profiles map[string]Profile) Report {
	if len(fills) == 0 {
		return emptyReport()
	}

	makerNotional := decimal.Zero
	takerNotional := decimal.Zero
	makerCount := 0
	takerCount := 0

	makerFees := decimal.Zero
	takerFees := decimal.Zero
	makerRebates := decimal.Zero

	for _, fill := range fills {
		notional := fill.Notional()

		makerBps := schedule.MakerBps
		takerBps := schedule.TakerBps
		rebateBps := schedule.MakerRebateBps
		if profiles != nil {
			if p, ok := ProfileForSymbol(fill.Symbol, profiles); ok {
				makerBps = p.MakerBps
				takerBps = p.TakerBps
				rebateBps = p.MakerRebateBps
			}
		}

		if fill.IsMaker {
			makerNotional = makerNotional.Add(notional)
			makerCount++
			makerFees = makerFees.Add(notional.Mul(makerBps).Div(bpsDivisor))
			makerRebates = makerRebates.Add(notional.Mul(rebateBps).Div(bpsDivisor))
		} else {
			takerNotional = takerNotional.Add(notional)
			takerCount++
			takerFees = takerFees.Add(notional.Mul(takerBps).Div(bpsDivisor))
		}
	}

	gross := makerNotional.Add(takerNotional)
	feesAbs := makerFees.Add(takerFees)
	netAbs := feesAbs.Sub(makerRebates)

	report := Report{
		GrossNotional:   gross,
		MakerNotional:   makerNotional,
		TakerNotional:   takerNotional,
		MakerCount:      makerCount,
		TakerCount:      takerCount,
		FeesAbsolute:    feesAbs,
		RebatesAbsolute: makerRebates,
		NetAbsolute:     netAbs,
		FeesBps:         decimal.Zero,
		RebatesBps:      decimal.Zero,
		NetBps:          decimal.Zero,
		MakerTakerRatio: decimal.Zero,
	}

	if gross.Sign() > 0 {
		report.FeesBps = feesAbs.Div(gross).Mul(bpsDivisor)
		report.RebatesBps = makerRebates.Div(gross).Mul(bpsDivisor)
		report.NetBps = netAbs.Div(gross).Mul(bpsDivisor)
		report.MakerTakerRatio = makerNotional.Div(gross)
	}
	return report
}

// ToMap renders the report as a JSON-friendly map with float values, for the
// canonical run report.
func (r Report) ToMap() map[string]any {
	return map[string]any{
		"gross_notional":    r.GrossNotional.InexactFloat64(),
		"maker_notional":    r.MakerNotional.InexactFloat64(),
		"taker_notional":    r.TakerNotional.InexactFloat64(),
		"maker_count":       r.MakerCount,
		"taker_count":       r.TakerCount,
		"fees_absolute":     r.FeesAbsolute.InexactFloat64(),
		"rebates_absolute":  r.RebatesAbsolute.InexactFloat64(),
		"net_absolute":      r.NetAbsolute.InexactFloat64(),
		"fees_bps":          r.FeesBps.InexactFloat64(),
		"rebates_bps":       r.RebatesBps.InexactFloat64(),
		"net_bps":           r.NetBps.InexactFloat64(),
		"maker_taker_ratio": r.MakerTakerRatio.InexactFloat64(),
	}
}
