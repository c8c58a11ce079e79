// Package domain defines the core business entities for the coverpool
// collateral allocation and settlement engine: provider balances, policies,
// allocations, pending external-ledger transactions, and pool aggregates.
//
// All monetary values are shopspring decimals carrying whole numbers of token
// base units. Fractions only ever appear transiently inside share
// computations and are floored back to integers before touching a balance.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// RiskTier is the provider-selected risk category. It controls allocation
// preference order: Aggressive capital is consumed first, Conservative last.
type RiskTier string

const (
	TierConservative RiskTier = "conservative"
	TierBalanced     RiskTier = "balanced"
	TierAggressive   RiskTier = "aggressive"
)

// IsValid returns true if the tier is a recognised category.
func (t RiskTier) IsValid() bool {
	return t == TierConservative || t == TierBalanced || t == TierAggressive
}

// AllocationOrder lists the tiers in consumption order for the allocation
// engine: providers who opted into higher risk absorb collateral demand first.
var AllocationOrder = []RiskTier{TierAggressive, TierBalanced, TierConservative}

// ──────────────────────────────────────────────────────────────────────────────
// ProviderBalance
// ──────────────────────────────────────────────────────────────────────────────

// ProviderBalance is the per-(provider, token) ledger record. It is created on
// the provider's first confirmed deposit and never deleted; zero-balance
// records persist for history.
//
// Invariant: CurrentBalance == AvailableBalance + AllocatedBalance, and both
// components are non-negative, at all times.
type ProviderBalance struct {
	ProviderID       uuid.UUID       `json:"provider_id"       db:"provider_id"`
	Token            string          `json:"token"             db:"token"`
	TotalDeposited   decimal.Decimal `json:"total_deposited"   db:"total_deposited"`
	CurrentBalance   decimal.Decimal `json:"current_balance"   db:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	AllocatedBalance decimal.Decimal `json:"allocated_balance" db:"allocated_balance"`
	RiskTier         RiskTier        `json:"risk_tier"         db:"risk_tier"`
	EarnedPremium    decimal.Decimal `json:"earned_premium"    db:"earned_premium"`
	PendingPremium   decimal.Decimal `json:"pending_premium"   db:"pending_premium"`
	SettlementLosses decimal.Decimal `json:"settlement_losses" db:"settlement_losses"`
	LastUpdated      time.Time       `json:"last_updated"      db:"last_updated"`
}

// CheckConservation verifies the record-level conservation invariant.
// A violation is ErrDataIntegrity: it means an allocation or settlement was
// partially applied somewhere upstream.
func (b *ProviderBalance) CheckConservation() error {
	if b.AvailableBalance.IsNegative() || b.AllocatedBalance.IsNegative() {
		return ErrDataIntegrity
	}
	if !b.CurrentBalance.Equal(b.AvailableBalance.Add(b.AllocatedBalance)) {
		return ErrDataIntegrity
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Ledger primitives
//
// Pure mutations over a ProviderBalance. Each validates the amount, preserves
// CurrentBalance = Available + Allocated, and fails without touching the
// receiver. All amounts must be positive integers of base units.
// ──────────────────────────────────────────────────────────────────────────────

// validAmount rejects zero, negative, and fractional amounts before they can
// enter the ledger path.
func validAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrZeroOrNegativeAmount
	}
	if !amount.Equal(amount.Floor()) {
		return ErrZeroOrNegativeAmount
	}
	return nil
}

// CreditAvailable adds amount to the free balance (confirmed deposit,
// collateral release, reverted withdrawal hold).
func (b *ProviderBalance) CreditAvailable(amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	b.AvailableBalance = b.AvailableBalance.Add(amount)
	b.CurrentBalance = b.CurrentBalance.Add(amount)
	return nil
}

// DebitAvailable removes amount from the free balance (withdrawal hold).
// Fails with ErrInsufficientBalance when the free balance cannot cover it.
func (b *ProviderBalance) DebitAvailable(amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if b.AvailableBalance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	b.AvailableBalance = b.AvailableBalance.Sub(amount)
	b.CurrentBalance = b.CurrentBalance.Sub(amount)
	return nil
}

// MoveAvailableToAllocated locks amount as policy collateral. CurrentBalance
// is unchanged; only the split moves.
func (b *ProviderBalance) MoveAvailableToAllocated(amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if b.AvailableBalance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	b.AvailableBalance = b.AvailableBalance.Sub(amount)
	b.AllocatedBalance = b.AllocatedBalance.Add(amount)
	return nil
}

// MoveAllocatedToAvailable releases locked collateral back to the free
// balance (policy expired, or the unconsumed remainder after settlement).
func (b *ProviderBalance) MoveAllocatedToAvailable(amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if b.AllocatedBalance.LessThan(amount) {
		return ErrDataIntegrity
	}
	b.AllocatedBalance = b.AllocatedBalance.Sub(amount)
	b.AvailableBalance = b.AvailableBalance.Add(amount)
	return nil
}

// ConsumeAllocated burns amount of locked collateral to fund a settlement
// payout. The provider's loss counters are updated by the caller.
func (b *ProviderBalance) ConsumeAllocated(amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if b.AllocatedBalance.LessThan(amount) {
		return ErrDataIntegrity
	}
	b.AllocatedBalance = b.AllocatedBalance.Sub(amount)
	b.CurrentBalance = b.CurrentBalance.Sub(amount)
	b.SettlementLosses = b.SettlementLosses.Add(amount)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// BalanceEntry — immutable audit record
// ──────────────────────────────────────────────────────────────────────────────

// EntryType enumerates balance mutation kinds for auditing.
type EntryType string

const (
	EntryDeposit         EntryType = "deposit"
	EntryWithdrawHold    EntryType = "withdraw_hold"
	EntryWithdrawRevert  EntryType = "withdraw_revert"
	EntryAllocationLock  EntryType = "allocation_lock"
	EntryCollateralFree  EntryType = "collateral_release"
	EntrySettlementLoss  EntryType = "settlement_loss"
	EntryPremiumPending  EntryType = "premium_pending"
	EntryPremiumClaimed  EntryType = "premium_claimed"
)

// BalanceEntry is written in the same transaction as every balance mutation.
type BalanceEntry struct {
	ID            uuid.UUID       `json:"id"             db:"id"`
	ProviderID    uuid.UUID       `json:"provider_id"    db:"provider_id"`
	Token         string          `json:"token"          db:"token"`
	Type          EntryType       `json:"type"           db:"type"`
	Amount        decimal.Decimal `json:"amount"         db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"  db:"balance_after"`
	PolicyID      *int64          `json:"policy_id"      db:"policy_id"`
	Description   string          `json:"description"    db:"description"`
	CreatedAt     time.Time       `json:"created_at"     db:"created_at"`
}
