// Package policy implements the maker-only order policy: post-only pricing,
// tick/step quantization and market-cross detection. All arithmetic is exact
// decimal; floats entering from I/O must be converted via string
// (decimal.NewFromFloat does this) to avoid binary artefacts.
package policy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantor/mmexec/pkg/types"
)

var bpsDivisor = decimal.NewFromInt(10000)

// PostOnlyPrice computes the post-only price for a side: the reference price
// offset away from the opposite side by offsetBps, then quantized to
// tickSize. BUY rounds down, SELL rounds up, so the result is on-grid and
// biased away from the market.
func PostOnlyPrice(side types.Side, refPrice, offsetBps, tickSize decimal.Decimal) (decimal.Decimal, error) {
	if tickSize.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("tick size must be positive, got %s", tickSize)
	}

	adjustment := refPrice.Mul(offsetBps.Div(bpsDivisor))

	switch side {
	case types.SideBuy:
		price := refPrice.Sub(adjustment)
		return price.Div(tickSize).Floor().Mul(tickSize), nil
	case types.SideSell:
		price := refPrice.Add(adjustment)
		return price.Div(tickSize).Ceil().Mul(tickSize), nil
	default:
		return decimal.Zero, fmt.Errorf("invalid side: %s", side)
	}
}

// RoundQty floor-quantizes qty to stepSize (toward zero, never exceeding the
// requested quantity).
func RoundQty(qty, stepSize decimal.Decimal) (decimal.Decimal, error) {
	if stepSize.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("step size must be positive, got %s", stepSize)
	}
	return qty.Div(stepSize).Floor().Mul(stepSize), nil
}

// CheckMinQty reports whether qty meets the exchange minimum.
func CheckMinQty(qty, minQty decimal.Decimal) bool {
	return qty.GreaterThanOrEqual(minQty)
}

// CrossesMarket reports whether price would take liquidity at placement time.
// Equality counts as crossing: a BUY at best ask or a SELL at best bid is not
// a maker order.
func CrossesMarket(side types.Side, price, bestBid, bestAsk decimal.Decimal) (bool, error) {
	switch side {
	case types.SideBuy:
		return price.GreaterThanOrEqual(bestAsk), nil
	case types.SideSell:
		return price.LessThanOrEqual(bestBid), nil
	default:
		return false, fmt.Errorf("invalid side: %s", side)
	}
}
