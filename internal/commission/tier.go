package commission

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/config"
)

// Tier is a commission bracket.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// TierRule maps a lifetime-earnings threshold to a rate.
type TierRule struct {
	Tier      Tier            `json:"tier"`
	Threshold decimal.Decimal `json:"threshold"`
	Rate      decimal.Decimal `json:"rate"`
}

// TierTable is sorted by ascending threshold. The first rule has threshold 0.
type TierTable []TierRule

// DefaultTiers returns bronze 10%, silver 15%, gold 20% and platinum 30%
// with thresholds in the base currency.
func DefaultTiers() TierTable {
	return TierTable{
		{Tier: TierBronze, Threshold: decimal.Zero, Rate: decimal.RequireFromString("0.10")},
		{Tier: TierSilver, Threshold: decimal.NewFromInt(500), Rate: decimal.RequireFromString("0.15")},
		{Tier: TierGold, Threshold: decimal.NewFromInt(2000), Rate: decimal.RequireFromString("0.20")},
		{Tier: TierPlatinum, Threshold: decimal.NewFromInt(10000), Rate: decimal.RequireFromString("0.30")},
	}
}

// TiersFromConfig parses YAML tier specs.
func TiersFromConfig(specs []config.TierSpec) (TierTable, error) {
	table := make(TierTable, 0, len(specs))
	for _, s := range specs {
		threshold, err := decimal.NewFromString(s.Threshold)
		if err != nil || threshold.Sign() < 0 {
			return nil, fmt.Errorf("tier %s: invalid threshold %q", s.Name, s.Threshold)
		}
		rate, err := decimal.NewFromString(s.Rate)
		if err != nil || rate.Sign() < 0 || rate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("tier %s: invalid rate %q", s.Name, s.Rate)
		}
		table = append(table, TierRule{Tier: Tier(s.Name), Threshold: threshold, Rate: rate})
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].Threshold.LessThan(table[j].Threshold) })
	if err := table.validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func (t TierTable) validate() error {
	if len(t) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	if !t[0].Threshold.IsZero() {
		return fmt.Errorf("lowest tier must start at 0")
	}
	for i := 1; i < len(t); i++ {
		if t[i].Threshold.Equal(t[i-1].Threshold) {
			return fmt.Errorf("tiers %s and %s share a threshold", t[i-1].Tier, t[i].Tier)
		}
	}
	return nil
}

// For returns the highest rule whose threshold is at or below lifetime.
func (t TierTable) For(lifetime decimal.Decimal) TierRule {
	rule := t[0]
	for _, r := range t {
		if lifetime.GreaterThanOrEqual(r.Threshold) {
			rule = r
		}
	}
	return rule
}

// Rule returns the rule for a named tier, falling back to the lowest.
func (t TierTable) Rule(tier Tier) TierRule {
	for _, r := range t {
		if r.Tier == tier {
			return r
		}
	}
	return t[0]
}

// Rank orders tiers; unknown tiers rank lowest.
func (t TierTable) Rank(tier Tier) int {
	for i, r := range t {
		if r.Tier == tier {
			return i
		}
	}
	return -1
}

// Promote returns the tier for lifetime unless current already ranks higher.
// Tiers never move down.
func (t TierTable) Promote(current Tier, lifetime decimal.Decimal) Tier {
	next := t.For(lifetime).Tier
	if t.Rank(current) >= t.Rank(next) {
		return current
	}
	return next
}
