package domain_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

func provider(id uuid.UUID, tier domain.RiskTier, available int64) domain.ProviderBalance {
	avail := decimal.NewFromInt(available)
	return domain.ProviderBalance{
		ProviderID:       id,
		Token:            "X",
		TotalDeposited:   avail,
		CurrentBalance:   avail,
		AvailableBalance: avail,
		AllocatedBalance: decimal.Zero,
		RiskTier:         tier,
	}
}

// ── Allocation plan ───────────────────────────────────────────────────────────

// TestBuildAllocationPlan_TwoTiers covers the basic tiered-greedy split.
//
//	Provider A: Aggressive, available 1000
//	Provider B: Balanced,   available 1000
//	Required 1500, premium 100.
//
//	Expected: A allocated 1000 (aggressive drains first), B allocated 500.
//	Premium shares: floor(1000×100/1500)=66, floor(500×100/1500)=33,
//	remainder 1 owed to the largest allocation (A) → 67 + 33 = 100.
func TestBuildAllocationPlan_TwoTiers(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	providers := []domain.ProviderBalance{
		provider(a, domain.TierAggressive, 1000),
		provider(b, domain.TierBalanced, 1000),
	}

	plan, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(1500), decimal.NewFromInt(100), providers)
	if err != nil {
		t.Fatalf("BuildAllocationPlan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan entries = %d, want 2", len(plan))
	}

	if plan[0].ProviderID != a || !plan[0].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("first entry = %s/%s, want A/1000", plan[0].ProviderID, plan[0].Amount)
	}
	if plan[1].ProviderID != b || !plan[1].Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("second entry = %s/%s, want B/500", plan[1].ProviderID, plan[1].Amount)
	}

	if !plan[0].PremiumShare.Equal(decimal.NewFromInt(67)) {
		t.Errorf("A premium share = %s, want 67", plan[0].PremiumShare)
	}
	if !plan[1].PremiumShare.Equal(decimal.NewFromInt(33)) {
		t.Errorf("B premium share = %s, want 33", plan[1].PremiumShare)
	}
}

func TestBuildAllocationPlan_InsufficientLiquidity(t *testing.T) {
	providers := []domain.ProviderBalance{
		provider(uuid.New(), domain.TierAggressive, 1000),
		provider(uuid.New(), domain.TierBalanced, 1000),
	}
	plan, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(2500), decimal.NewFromInt(100), providers)
	if !errors.Is(err, domain.ErrInsufficientLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientLiquidity", err)
	}
	if plan != nil {
		t.Errorf("failed allocation returned a plan with %d entries", len(plan))
	}
	// pure function: the snapshot must be untouched
	for _, p := range providers {
		if !p.AvailableBalance.Equal(decimal.NewFromInt(1000)) {
			t.Errorf("provider %s available mutated to %s", p.ProviderID, p.AvailableBalance)
		}
	}
}

// TestBuildAllocationPlan_ExactExhaustion hits the boundary where the last
// provider's balance is consumed exactly, leaving remaining == 0.
func TestBuildAllocationPlan_ExactExhaustion(t *testing.T) {
	providers := []domain.ProviderBalance{
		provider(uuid.New(), domain.TierAggressive, 700),
		provider(uuid.New(), domain.TierConservative, 300),
	}
	plan, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(1000), decimal.NewFromInt(10), providers)
	if err != nil {
		t.Fatalf("BuildAllocationPlan: %v", err)
	}
	total := decimal.Zero
	for _, e := range plan {
		total = total.Add(e.Amount)
	}
	if !total.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("allocated total = %s, want 1000", total)
	}
	if !plan[len(plan)-1].Amount.Equal(decimal.NewFromInt(300)) {
		t.Errorf("last entry = %s, want exactly 300", plan[len(plan)-1].Amount)
	}
}

// TestBuildAllocationPlan_TierOrder verifies aggressive capital drains before
// balanced, balanced before conservative, regardless of balance sizes.
func TestBuildAllocationPlan_TierOrder(t *testing.T) {
	agg := uuid.New()
	bal := uuid.New()
	con := uuid.New()
	providers := []domain.ProviderBalance{
		provider(con, domain.TierConservative, 5000),
		provider(bal, domain.TierBalanced, 5000),
		provider(agg, domain.TierAggressive, 100),
	}
	plan, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(200), decimal.NewFromInt(9), providers)
	if err != nil {
		t.Fatalf("BuildAllocationPlan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan entries = %d, want 2", len(plan))
	}
	if plan[0].ProviderID != agg || !plan[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("first entry should drain aggressive 100, got %s/%s",
			plan[0].ProviderID, plan[0].Amount)
	}
	if plan[1].ProviderID != bal || !plan[1].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("second entry should come from balanced, got %s/%s",
			plan[1].ProviderID, plan[1].Amount)
	}
}

// TestBuildAllocationPlan_Deterministic runs the same snapshot twice and
// expects identical entry order and amounts; within a tier the order is
// available descending with provider-ID tiebreak.
func TestBuildAllocationPlan_Deterministic(t *testing.T) {
	providers := []domain.ProviderBalance{
		provider(uuid.New(), domain.TierBalanced, 400),
		provider(uuid.New(), domain.TierBalanced, 400),
		provider(uuid.New(), domain.TierBalanced, 900),
	}
	first, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(1200), decimal.NewFromInt(50), providers)
	if err != nil {
		t.Fatalf("BuildAllocationPlan: %v", err)
	}
	second, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(1200), decimal.NewFromInt(50), providers)
	if err != nil {
		t.Fatalf("BuildAllocationPlan (second run): %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("plan lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ProviderID != second[i].ProviderID || !first[i].Amount.Equal(second[i].Amount) {
			t.Errorf("entry %d differs between runs: %s/%s vs %s/%s", i,
				first[i].ProviderID, first[i].Amount,
				second[i].ProviderID, second[i].Amount)
		}
	}
	// largest balance must come first within the tier
	if !first[0].Amount.Equal(decimal.NewFromInt(900)) {
		t.Errorf("first entry = %s, want the 900 provider", first[0].Amount)
	}
}

func TestBuildAllocationPlan_SkipsOtherTokens(t *testing.T) {
	providers := []domain.ProviderBalance{
		provider(uuid.New(), domain.TierAggressive, 1000),
	}
	providers[0].Token = "Y"
	_, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(100), decimal.NewFromInt(1), providers)
	if !errors.Is(err, domain.ErrInsufficientLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientLiquidity for foreign-token capital", err)
	}
}

func TestBuildAllocationPlan_RejectsBadAmounts(t *testing.T) {
	providers := []domain.ProviderBalance{
		provider(uuid.New(), domain.TierAggressive, 1000),
	}
	if _, err := domain.BuildAllocationPlan(1, "X",
		decimal.Zero, decimal.NewFromInt(1), providers); !errors.Is(err, domain.ErrZeroOrNegativeAmount) {
		t.Errorf("zero required: err = %v, want ErrZeroOrNegativeAmount", err)
	}
	if _, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromFloat(10.5), decimal.NewFromInt(1), providers); !errors.Is(err, domain.ErrZeroOrNegativeAmount) {
		t.Errorf("fractional required: err = %v, want ErrZeroOrNegativeAmount", err)
	}
	if _, err := domain.BuildAllocationPlan(1, "X",
		decimal.NewFromInt(100), decimal.NewFromInt(-1), providers); !errors.Is(err, domain.ErrZeroOrNegativeAmount) {
		t.Errorf("negative premium: err = %v, want ErrZeroOrNegativeAmount", err)
	}
}

// ── Premium share conservation ────────────────────────────────────────────────

// TestPremiumShares_SumExactly exercises awkward ratios and checks the shares
// always reconcile to the full premium.
func TestPremiumShares_SumExactly(t *testing.T) {
	cases := []struct {
		name     string
		balances []int64
		required int64
		premium  int64
	}{
		{"thirds", []int64{1000, 1000, 1000}, 3000, 100},
		{"sevenths", []int64{700, 700, 700, 700, 700, 700, 700}, 4900, 13},
		{"one unit premium", []int64{600, 400}, 1000, 1},
		{"zero premium", []int64{600, 400}, 1000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var providers []domain.ProviderBalance
			for _, b := range tc.balances {
				providers = append(providers, provider(uuid.New(), domain.TierBalanced, b))
			}
			plan, err := domain.BuildAllocationPlan(1, "X",
				decimal.NewFromInt(tc.required), decimal.NewFromInt(tc.premium), providers)
			if err != nil {
				t.Fatalf("BuildAllocationPlan: %v", err)
			}
			total := decimal.Zero
			for _, e := range plan {
				total = total.Add(e.PremiumShare)
			}
			if !total.Equal(decimal.NewFromInt(tc.premium)) {
				t.Errorf("premium shares sum = %s, want %d", total, tc.premium)
			}
		})
	}
}

// ── Settlement apportionment ──────────────────────────────────────────────────

func alloc(id uuid.UUID, amount int64) domain.PolicyAllocation {
	return domain.PolicyAllocation{
		ID:         uuid.New(),
		PolicyID:   1,
		ProviderID: id,
		Token:      "X",
		Amount:     decimal.NewFromInt(amount),
	}
}

// TestApportionSettlement_RemainderToLargest splits a payout that does not
// divide evenly and checks the extra unit lands on the largest allocation.
//
//	Allocations 1000 / 500, settlement 100.
//	floor(1000×100/1500)=66, floor(500×100/1500)=33, remainder 1 → A=67.
func TestApportionSettlement_RemainderToLargest(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	shares, err := domain.ApportionSettlement(
		[]domain.PolicyAllocation{alloc(a, 1000), alloc(b, 500)},
		decimal.NewFromInt(100), domain.RemainderLargest)
	if err != nil {
		t.Fatalf("ApportionSettlement: %v", err)
	}

	if !shares[0].Consumed.Equal(decimal.NewFromInt(67)) {
		t.Errorf("A consumed = %s, want 67", shares[0].Consumed)
	}
	if !shares[1].Consumed.Equal(decimal.NewFromInt(33)) {
		t.Errorf("B consumed = %s, want 33", shares[1].Consumed)
	}
	if !shares[0].Released.Equal(decimal.NewFromInt(933)) {
		t.Errorf("A released = %s, want 933", shares[0].Released)
	}
	if !shares[1].Released.Equal(decimal.NewFromInt(467)) {
		t.Errorf("B released = %s, want 467", shares[1].Released)
	}
}

func TestApportionSettlement_RemainderToLast(t *testing.T) {
	shares, err := domain.ApportionSettlement(
		[]domain.PolicyAllocation{alloc(uuid.New(), 1000), alloc(uuid.New(), 500)},
		decimal.NewFromInt(100), domain.RemainderLast)
	if err != nil {
		t.Fatalf("ApportionSettlement: %v", err)
	}
	if !shares[0].Consumed.Equal(decimal.NewFromInt(66)) {
		t.Errorf("first consumed = %s, want 66", shares[0].Consumed)
	}
	if !shares[1].Consumed.Equal(decimal.NewFromInt(34)) {
		t.Errorf("last consumed = %s, want 34", shares[1].Consumed)
	}
}

// TestApportionSettlement_ConservesExactly checks sum(consumed) == settlement
// and consumed + released == allocated across uneven splits.
func TestApportionSettlement_ConservesExactly(t *testing.T) {
	allocations := []domain.PolicyAllocation{
		alloc(uuid.New(), 333), alloc(uuid.New(), 333), alloc(uuid.New(), 334),
	}
	for _, settlement := range []int64{0, 1, 7, 500, 999, 1000} {
		shares, err := domain.ApportionSettlement(
			allocations, decimal.NewFromInt(settlement), domain.RemainderLargest)
		if err != nil {
			t.Fatalf("settlement %d: %v", settlement, err)
		}
		consumed := decimal.Zero
		for _, s := range shares {
			consumed = consumed.Add(s.Consumed)
			if !s.Consumed.Add(s.Released).Equal(s.Allocated) {
				t.Errorf("settlement %d: consumed %s + released %s != allocated %s",
					settlement, s.Consumed, s.Released, s.Allocated)
			}
		}
		if !consumed.Equal(decimal.NewFromInt(settlement)) {
			t.Errorf("settlement %d: consumed sum = %s", settlement, consumed)
		}
	}
}

func TestApportionSettlement_OverTotalIsIntegrityError(t *testing.T) {
	_, err := domain.ApportionSettlement(
		[]domain.PolicyAllocation{alloc(uuid.New(), 100)},
		decimal.NewFromInt(101), domain.RemainderLargest)
	if !domain.IsIntegrity(err) {
		t.Fatalf("err = %v, want data integrity violation", err)
	}
	_, err = domain.ApportionSettlement(nil, decimal.NewFromInt(1), domain.RemainderLargest)
	if !domain.IsIntegrity(err) {
		t.Fatalf("empty allocations: err = %v, want data integrity violation", err)
	}
}
