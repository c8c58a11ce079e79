package domain_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

// ── Ledger primitives ─────────────────────────────────────────────────────────

func TestLedger_AllocateSettleRelease(t *testing.T) {
	b := provider(uuid.New(), domain.TierBalanced, 1000)

	if err := b.MoveAvailableToAllocated(decimal.NewFromInt(600)); err != nil {
		t.Fatalf("MoveAvailableToAllocated: %v", err)
	}
	if err := b.CheckConservation(); err != nil {
		t.Fatalf("conservation after lock: %v", err)
	}
	if !b.AvailableBalance.Equal(decimal.NewFromInt(400)) ||
		!b.AllocatedBalance.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("after lock: available=%s allocated=%s", b.AvailableBalance, b.AllocatedBalance)
	}

	// consume 250 as settlement loss, release the remaining 350
	if err := b.ConsumeAllocated(decimal.NewFromInt(250)); err != nil {
		t.Fatalf("ConsumeAllocated: %v", err)
	}
	if err := b.MoveAllocatedToAvailable(decimal.NewFromInt(350)); err != nil {
		t.Fatalf("MoveAllocatedToAvailable: %v", err)
	}
	if err := b.CheckConservation(); err != nil {
		t.Fatalf("conservation after settle: %v", err)
	}
	if !b.CurrentBalance.Equal(decimal.NewFromInt(750)) {
		t.Errorf("current = %s, want 750", b.CurrentBalance)
	}
	if !b.AllocatedBalance.IsZero() {
		t.Errorf("allocated = %s, want 0", b.AllocatedBalance)
	}
	if !b.SettlementLosses.Equal(decimal.NewFromInt(250)) {
		t.Errorf("losses = %s, want 250", b.SettlementLosses)
	}
}

func TestLedger_FailedMutationLeavesBalanceUntouched(t *testing.T) {
	b := provider(uuid.New(), domain.TierBalanced, 100)

	if err := b.DebitAvailable(decimal.NewFromInt(101)); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("overdebit: err = %v, want ErrInsufficientBalance", err)
	}
	if err := b.MoveAvailableToAllocated(decimal.NewFromInt(101)); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("overlock: err = %v, want ErrInsufficientBalance", err)
	}
	if !b.AvailableBalance.Equal(decimal.NewFromInt(100)) || !b.CurrentBalance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("failed mutation changed balances: available=%s current=%s",
			b.AvailableBalance, b.CurrentBalance)
	}
}

// Releasing or consuming more than is locked means upstream drift, not a
// recoverable shortfall.
func TestLedger_OverReleaseIsIntegrityError(t *testing.T) {
	b := provider(uuid.New(), domain.TierBalanced, 1000)
	if err := b.MoveAvailableToAllocated(decimal.NewFromInt(300)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := b.MoveAllocatedToAvailable(decimal.NewFromInt(301)); !domain.IsIntegrity(err) {
		t.Errorf("over-release: err = %v, want integrity error", err)
	}
	if err := b.ConsumeAllocated(decimal.NewFromInt(301)); !domain.IsIntegrity(err) {
		t.Errorf("over-consume: err = %v, want integrity error", err)
	}
}

func TestLedger_RejectsZeroNegativeFractional(t *testing.T) {
	b := provider(uuid.New(), domain.TierBalanced, 1000)
	bad := []decimal.Decimal{
		decimal.Zero,
		decimal.NewFromInt(-5),
		decimal.NewFromFloat(1.5),
	}
	for _, amount := range bad {
		if err := b.CreditAvailable(amount); !errors.Is(err, domain.ErrZeroOrNegativeAmount) {
			t.Errorf("CreditAvailable(%s): err = %v, want ErrZeroOrNegativeAmount", amount, err)
		}
		if err := b.DebitAvailable(amount); !errors.Is(err, domain.ErrZeroOrNegativeAmount) {
			t.Errorf("DebitAvailable(%s): err = %v, want ErrZeroOrNegativeAmount", amount, err)
		}
	}
}

func TestCheckConservation_Violation(t *testing.T) {
	b := provider(uuid.New(), domain.TierBalanced, 1000)
	b.CurrentBalance = decimal.NewFromInt(999)
	if err := b.CheckConservation(); !domain.IsIntegrity(err) {
		t.Errorf("broken sum: err = %v, want integrity error", err)
	}

	b = provider(uuid.New(), domain.TierBalanced, 0)
	b.AvailableBalance = decimal.NewFromInt(-1)
	b.CurrentBalance = decimal.NewFromInt(-1)
	if err := b.CheckConservation(); !domain.IsIntegrity(err) {
		t.Errorf("negative component: err = %v, want integrity error", err)
	}
}

// ── Risk tiers ────────────────────────────────────────────────────────────────

func TestRiskTier_IsValid(t *testing.T) {
	for _, tier := range domain.AllocationOrder {
		if !tier.IsValid() {
			t.Errorf("%s should be valid", tier)
		}
	}
	if domain.RiskTier("degen").IsValid() {
		t.Error("degen should not be valid")
	}
}

func TestAllocationOrder_AggressiveFirst(t *testing.T) {
	if len(domain.AllocationOrder) != 3 {
		t.Fatalf("AllocationOrder has %d tiers, want 3", len(domain.AllocationOrder))
	}
	if domain.AllocationOrder[0] != domain.TierAggressive ||
		domain.AllocationOrder[2] != domain.TierConservative {
		t.Errorf("AllocationOrder = %v, want aggressive first, conservative last",
			domain.AllocationOrder)
	}
}
