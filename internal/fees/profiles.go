package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Profile is a per-symbol fee schedule for VIP tiers or custom strategies.
// Symbol "*" acts as a wildcard matching any symbol.
type Profile struct {
	Symbol         string
	MakerBps       decimal.Decimal
	TakerBps       decimal.Decimal
	MakerRebateBps decimal.Decimal
	TierName       string
}

// Tier tables. The tiering mirrors typical VIP programs; values are data,
// not behavior.
var tierProfiles = map[string]Profile{
	"VIP0": {
		Symbol:         "*",
		MakerBps:       decimal.RequireFromString("1.0"),
		TakerBps:       decimal.RequireFromString("7.0"),
		MakerRebateBps: decimal.Zero,
		TierName:       "VIP0",
	},
	"VIP1": {
		Symbol:         "*",
		MakerBps:       decimal.RequireFromString("0.8"),
		TakerBps:       decimal.RequireFromString("6.5"),
		MakerRebateBps: decimal.RequireFromString("1.0"),
		TierName:       "VIP1",
	},
	"VIP2": {
		Symbol:         "*",
		MakerBps:       decimal.RequireFromString("0.5"),
		TakerBps:       decimal.RequireFromString("5.0"),
		MakerRebateBps: decimal.RequireFromString("2.5"),
		TierName:       "VIP2",
	},
	"VIP3": {
		Symbol:         "*",
		MakerBps:       decimal.RequireFromString("0.2"),
		TakerBps:       decimal.RequireFromString("4.0"),
		MakerRebateBps: decimal.RequireFromString("3.0"),
		TierName:       "VIP3",
	},
	"MM_Tier_A": {
		Symbol:         "*",
		MakerBps:       decimal.Zero,
		TakerBps:       decimal.RequireFromString("3.0"),
		MakerRebateBps: decimal.RequireFromString("5.0"),
		TierName:       "MM_Tier_A",
	},
}

// ProfileForSymbol resolves the profile for a symbol: exact match first, then
// the "*" wildcard.
func ProfileForSymbol(symbol string, profiles map[string]Profile) (Profile, bool) {
	if p, ok := profiles[symbol]; ok {
		return p, true
	}
	if p, ok := profiles["*"]; ok {
		return p, true
	}
	return Profile{}, false
}

// BuildProfileMap returns a wildcard profile map for the named tier.
func BuildProfileMap(tierName string) (map[string]Profile, error) {
	p, ok := tierProfiles[tierName]
	if !ok {
		return nil, fmt.Errorf("unknown fee tier: %s", tierName)
	}
	return map[string]Profile{"*": p}, nil
}
