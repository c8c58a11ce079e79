package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// PolicyAllocation
// ──────────────────────────────────────────────────────────────────────────────

// PolicyAllocation records one provider's collateral contribution to one
// policy, together with the premium share earned for carrying that risk.
// Rows are immutable once written; release/consumption is reflected on the
// provider balance, not here.
type PolicyAllocation struct {
	ID           uuid.UUID       `json:"id"            db:"id"`
	PolicyID     int64           `json:"policy_id"     db:"policy_id"`
	ProviderID   uuid.UUID       `json:"provider_id"   db:"provider_id"`
	Token        string          `json:"token"         db:"token"`
	RiskTier     RiskTier        `json:"risk_tier"     db:"risk_tier"`
	Amount       decimal.Decimal `json:"amount"        db:"amount"`
	PremiumShare decimal.Decimal `json:"premium_share" db:"premium_share"`
	Position     int             `json:"position"      db:"position"` // plan iteration order
	CreatedAt    time.Time       `json:"created_at"    db:"created_at"`
}

// SettlementShare is one provider's portion of a settlement payout, produced
// by ApportionSettlement. Consumed collateral is burned; the rest of the
// provider's allocation is released back to its available balance.
type SettlementShare struct {
	ProviderID uuid.UUID
	Allocated  decimal.Decimal // collateral this provider had locked
	Consumed   decimal.Decimal // portion burned to fund the payout
	Released   decimal.Decimal // Allocated − Consumed, returned to available
}

// ──────────────────────────────────────────────────────────────────────────────
// Allocation engine
//
// Deterministic and all-or-nothing. Capital is consumed tier by tier in
// AllocationOrder (aggressive first); within a tier, providers with more
// available balance go first, ties broken by provider ID so two runs over the
// same snapshot always produce the same plan.
// ──────────────────────────────────────────────────────────────────────────────

// BuildAllocationPlan selects collateral for a new policy from the given
// provider snapshot. It is pure: the snapshot is not mutated, and the caller
// applies the returned plan inside its own transaction.
//
// Each entry's PremiumShare is floor(amount × premium / required); the
// truncation remainder is assigned to the largest allocation so the shares
// always sum to the full premium.
//
// Returns ErrInsufficientLiquidity when the pool as a whole cannot cover
// required; in that case no plan is returned.
func BuildAllocationPlan(policyID int64, token string, required, premium decimal.Decimal, providers []ProviderBalance) ([]PolicyAllocation, error) {
	if err := validAmount(required); err != nil {
		return nil, err
	}
	if premium.IsNegative() || !premium.Equal(premium.Floor()) {
		return nil, ErrZeroOrNegativeAmount
	}

	byTier := make(map[RiskTier][]ProviderBalance, len(AllocationOrder))
	for _, p := range providers {
		if p.Token != token || !p.AvailableBalance.IsPositive() {
			continue
		}
		byTier[p.RiskTier] = append(byTier[p.RiskTier], p)
	}

	var plan []PolicyAllocation
	remaining := required

	for _, tier := range AllocationOrder {
		if remaining.IsZero() {
			break
		}
		candidates := byTier[tier]
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].AvailableBalance.Equal(candidates[j].AvailableBalance) {
				return candidates[i].AvailableBalance.GreaterThan(candidates[j].AvailableBalance)
			}
			return candidates[i].ProviderID.String() < candidates[j].ProviderID.String()
		})

		for _, p := range candidates {
			if remaining.IsZero() {
				break
			}
			take := decimal.Min(p.AvailableBalance, remaining)
			plan = append(plan, PolicyAllocation{
				ID:         uuid.New(),
				PolicyID:   policyID,
				ProviderID: p.ProviderID,
				Token:      token,
				RiskTier:   tier,
				Amount:     take,
			})
			remaining = remaining.Sub(take)
		}
	}

	if !remaining.IsZero() {
		return nil, ErrInsufficientLiquidity
	}

	for i := range plan {
		plan[i].Position = i
	}
	assignPremiumShares(plan, required, premium)
	return plan, nil
}

// assignPremiumShares splits premium across the plan proportionally to each
// entry's amount, flooring every share and giving the truncation remainder to
// the largest allocation (ties broken by provider ID).
func assignPremiumShares(plan []PolicyAllocation, required, premium decimal.Decimal) {
	if len(plan) == 0 {
		return
	}
	distributed := decimal.Zero
	for i := range plan {
		share := plan[i].Amount.Mul(premium).Div(required).Floor()
		plan[i].PremiumShare = share
		distributed = distributed.Add(share)
	}
	remainder := premium.Sub(distributed)
	if remainder.IsPositive() {
		idx := remainderIndex(plan, RemainderLargest)
		plan[idx].PremiumShare = plan[idx].PremiumShare.Add(remainder)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement apportionment
// ──────────────────────────────────────────────────────────────────────────────

// RemainderPolicy selects which provider absorbs the truncation remainder
// when a settlement does not divide evenly across allocations.
type RemainderPolicy string

const (
	// RemainderLargest assigns the remainder to the provider with the largest
	// allocation (ties broken by provider ID). Default.
	RemainderLargest RemainderPolicy = "largest"
	// RemainderLast assigns the remainder to the last allocation in plan order.
	RemainderLast RemainderPolicy = "last"
)

// IsValid returns true if the policy is a recognised value.
func (p RemainderPolicy) IsValid() bool {
	return p == RemainderLargest || p == RemainderLast
}

// ApportionSettlement splits a settlement payout across the policy's
// allocations proportionally to each provider's locked amount. Each share is
// floored; the remainder goes to the provider chosen by the policy, so the
// consumed amounts always sum exactly to settlement. Every provider's
// unconsumed collateral (Allocated − Consumed) is marked for release.
//
// settlement must satisfy 0 <= settlement <= sum(allocations); the upper
// bound holds by construction since payouts are clamped to the protection
// amount, which equals the total collateral locked.
func ApportionSettlement(allocations []PolicyAllocation, settlement decimal.Decimal, policy RemainderPolicy) ([]SettlementShare, error) {
	if len(allocations) == 0 {
		return nil, ErrDataIntegrity
	}
	if settlement.IsNegative() || !settlement.Equal(settlement.Floor()) {
		return nil, ErrZeroOrNegativeAmount
	}

	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.Amount)
	}
	if settlement.GreaterThan(total) {
		return nil, ErrDataIntegrity
	}

	shares := make([]SettlementShare, len(allocations))
	consumed := decimal.Zero
	for i, a := range allocations {
		c := a.Amount.Mul(settlement).Div(total).Floor()
		shares[i] = SettlementShare{
			ProviderID: a.ProviderID,
			Allocated:  a.Amount,
			Consumed:   c,
		}
		consumed = consumed.Add(c)
	}

	remainder := settlement.Sub(consumed)
	if remainder.IsPositive() {
		idx := remainderIndex(allocations, policy)
		shares[idx].Consumed = shares[idx].Consumed.Add(remainder)
	}

	for i := range shares {
		shares[i].Released = shares[i].Allocated.Sub(shares[i].Consumed)
		if shares[i].Released.IsNegative() {
			return nil, ErrDataIntegrity
		}
	}
	return shares, nil
}

// remainderIndex picks the allocation that absorbs the truncation remainder.
func remainderIndex(allocations []PolicyAllocation, policy RemainderPolicy) int {
	if policy == RemainderLast {
		return len(allocations) - 1
	}
	idx := 0
	for i := 1; i < len(allocations); i++ {
		a, best := allocations[i], allocations[idx]
		if a.Amount.GreaterThan(best.Amount) {
			idx = i
			continue
		}
		if a.Amount.Equal(best.Amount) && a.ProviderID.String() < best.ProviderID.String() {
			idx = i
		}
	}
	return idx
}
