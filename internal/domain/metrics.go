package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// PoolMetrics — derived aggregate, per token
// ──────────────────────────────────────────────────────────────────────────────

// TierBreakdown aggregates one risk tier within a token pool.
type TierBreakdown struct {
	Providers int             `json:"providers"`
	Available decimal.Decimal `json:"available"`
	Allocated decimal.Decimal `json:"allocated"`
}

// PoolMetrics is the per-token pool aggregate. It is a cache: always fully
// recomputed by folding the authoritative ProviderBalance records, never
// incrementally patched.
type PoolMetrics struct {
	Token            string                     `json:"token"`
	TotalDeposited   decimal.Decimal            `json:"total_deposited"`
	CurrentBalance   decimal.Decimal            `json:"current_balance"`
	TotalAvailable   decimal.Decimal            `json:"total_available"`
	TotalAllocated   decimal.Decimal            `json:"total_allocated"`
	EarnedPremium    decimal.Decimal            `json:"earned_premium"`
	PendingPremium   decimal.Decimal            `json:"pending_premium"`
	SettlementLosses decimal.Decimal            `json:"settlement_losses"`
	UtilizationRate  decimal.Decimal            `json:"utilization_rate"` // allocated / current, 4 dp
	AverageYield     decimal.Decimal            `json:"average_yield"`    // lifetime earned / deposited, 6 dp
	Tiers            map[RiskTier]TierBreakdown `json:"tiers"`
	ComputedAt       time.Time                  `json:"computed_at"`
}

// ComputePoolMetrics folds the provider records for one token into a fresh
// aggregate. Records for other tokens are skipped so callers can pass an
// unfiltered snapshot.
func ComputePoolMetrics(token string, providers []ProviderBalance, now time.Time) PoolMetrics {
	m := PoolMetrics{
		Token:            token,
		TotalDeposited:   decimal.Zero,
		CurrentBalance:   decimal.Zero,
		TotalAvailable:   decimal.Zero,
		TotalAllocated:   decimal.Zero,
		EarnedPremium:    decimal.Zero,
		PendingPremium:   decimal.Zero,
		SettlementLosses: decimal.Zero,
		UtilizationRate:  decimal.Zero,
		AverageYield:     decimal.Zero,
		Tiers:            make(map[RiskTier]TierBreakdown, len(AllocationOrder)),
		ComputedAt:       now,
	}
	for _, tier := range AllocationOrder {
		m.Tiers[tier] = TierBreakdown{Available: decimal.Zero, Allocated: decimal.Zero}
	}

	for _, p := range providers {
		if p.Token != token {
			continue
		}
		m.TotalDeposited = m.TotalDeposited.Add(p.TotalDeposited)
		m.CurrentBalance = m.CurrentBalance.Add(p.CurrentBalance)
		m.TotalAvailable = m.TotalAvailable.Add(p.AvailableBalance)
		m.TotalAllocated = m.TotalAllocated.Add(p.AllocatedBalance)
		m.EarnedPremium = m.EarnedPremium.Add(p.EarnedPremium)
		m.PendingPremium = m.PendingPremium.Add(p.PendingPremium)
		m.SettlementLosses = m.SettlementLosses.Add(p.SettlementLosses)

		t := m.Tiers[p.RiskTier]
		t.Providers++
		t.Available = t.Available.Add(p.AvailableBalance)
		t.Allocated = t.Allocated.Add(p.AllocatedBalance)
		m.Tiers[p.RiskTier] = t
	}

	if m.CurrentBalance.IsPositive() {
		m.UtilizationRate = m.TotalAllocated.Div(m.CurrentBalance).Round(4)
	}
	if m.TotalDeposited.IsPositive() {
		m.AverageYield = m.EarnedPremium.Div(m.TotalDeposited).Round(6)
	}
	return m
}
