package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// PolicyStatus represents the lifecycle state of a protection policy.
// Transitions are monotonic and one-way: a policy never returns to active.
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"    // collateral locked, protection live
	PolicyExercised PolicyStatus = "exercised" // owner exercised in the money; terminal
	PolicyExpired   PolicyStatus = "expired"   // reached expiration unexercised; terminal
)

// IsTerminal returns true for the two end states.
func (s PolicyStatus) IsTerminal() bool {
	return s == PolicyExercised || s == PolicyExpired
}

// PolicyType is the protection direction bought by the owner.
type PolicyType string

const (
	PolicyPut  PolicyType = "put"
	PolicyCall PolicyType = "call"
)

// IsValid returns true if the policy type is recognised.
func (t PolicyType) IsValid() bool {
	return t == PolicyPut || t == PolicyCall
}

// PositionType is the derived view of each side of the agreement.
type PositionType string

const (
	PositionLongPut   PositionType = "long_put"
	PositionShortPut  PositionType = "short_put"
	PositionLongCall  PositionType = "long_call"
	PositionShortCall PositionType = "short_call"
)

// Actor identifies who is driving a lifecycle transition. Exercise is owner
// only; expiration is reserved for the backend automation identity.
type Actor struct {
	AccountID uuid.UUID
	Backend   bool
}

// BackendActor is the automation identity used by the scheduler loops.
var BackendActor = Actor{Backend: true}

// ──────────────────────────────────────────────────────────────────────────────
// Policy
// ──────────────────────────────────────────────────────────────────────────────

// Policy is a single protection agreement between an owner (buyer) and the
// pool (counterparty). IDs are monotonic so external ledger references stay
// orderable.
type Policy struct {
	ID                 int64           `json:"id"                  db:"id"`
	Owner              uuid.UUID       `json:"owner"               db:"owner"`
	Counterparty       string          `json:"counterparty"        db:"counterparty"` // pool identity
	ProtectedValue     decimal.Decimal `json:"protected_value"     db:"protected_value"` // strike
	ProtectionAmount   decimal.Decimal `json:"protection_amount"   db:"protection_amount"`
	Premium            decimal.Decimal `json:"premium"             db:"premium"`
	PolicyType         PolicyType      `json:"policy_type"         db:"policy_type"`
	CollateralToken    string          `json:"collateral_token"    db:"collateral_token"`
	SettlementToken    string          `json:"settlement_token"    db:"settlement_token"`
	ExpirationHeight   int64           `json:"expiration_height"   db:"expiration_height"`
	Status             PolicyStatus    `json:"status"              db:"status"`
	PremiumPaid        bool            `json:"premium_paid"        db:"premium_paid"`
	PremiumDistributed bool            `json:"premium_distributed" db:"premium_distributed"`
	SettlementApplied  bool            `json:"settlement_applied"  db:"settlement_applied"`
	SettlementAmount   decimal.Decimal `json:"settlement_amount"   db:"settlement_amount"`
	CreationHeight     int64           `json:"creation_height"     db:"creation_height"`
	CreatedAt          time.Time       `json:"created_at"          db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"          db:"updated_at"`
	ResolvedAt         *time.Time      `json:"resolved_at"         db:"resolved_at"`
}

// OwnerPosition returns the buyer-side position of the agreement.
func (p *Policy) OwnerPosition() PositionType {
	if p.PolicyType == PolicyPut {
		return PositionLongPut
	}
	return PositionLongCall
}

// PoolPosition returns the counterparty-side position of the agreement.
func (p *Policy) PoolPosition() PositionType {
	if p.PolicyType == PolicyPut {
		return PositionShortPut
	}
	return PositionShortCall
}

// IsActive returns true while the policy can still transition.
func (p *Policy) IsActive() bool {
	return p.Status == PolicyActive
}

// ──────────────────────────────────────────────────────────────────────────────
// State machine
//
// Transition table:
//
//	active → exercised   actor: policy owner     height < expiration, in the money
//	active → expired     actor: backend only     height >= expiration
//
// Anything else fails with ErrUnauthorized (wrong actor) or
// ErrInvalidTransition (wrong precondition). Failures are explicit — a
// rejected transition is never silently ignored.
// ──────────────────────────────────────────────────────────────────────────────

// InTheMoney reports whether the price condition for exercising is met:
// put pays when price < strike, call pays when price > strike.
func (p *Policy) InTheMoney(price decimal.Decimal) bool {
	if p.PolicyType == PolicyPut {
		return price.LessThan(p.ProtectedValue)
	}
	return price.GreaterThan(p.ProtectedValue)
}

// ValidateExercise checks the active→exercised transition for the given
// actor at the given height and oracle price. The height window is strict:
// exercising exactly at ExpirationHeight is already too late.
func (p *Policy) ValidateExercise(actor Actor, height int64, price decimal.Decimal) error {
	if actor.Backend || actor.AccountID != p.Owner {
		return ErrUnauthorized
	}
	if p.Status != PolicyActive {
		return ErrInvalidTransition
	}
	if height >= p.ExpirationHeight {
		return ErrInvalidTransition
	}
	if !p.InTheMoney(price) {
		return ErrInvalidTransition
	}
	return nil
}

// ValidateExpire checks the active→expired transition. Only the backend
// automation actor may expire, and only once the expiration height is reached.
func (p *Policy) ValidateExpire(actor Actor, height int64) error {
	if !actor.Backend {
		return ErrUnauthorized
	}
	if p.Status != PolicyActive {
		return ErrInvalidTransition
	}
	if height < p.ExpirationHeight {
		return ErrInvalidTransition
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement arithmetic
// ──────────────────────────────────────────────────────────────────────────────

// CalcSettlement computes the payout owed on exercise:
//
//	put:  (strike − price) × protectionAmount / strike
//	call: (price − strike) × protectionAmount / strike
//
// The result is floored to whole base units and clamped to
// [0, protectionAmount]. A zero strike yields zero (guard against division by
// zero; such a policy can never be in the money anyway).
func (p *Policy) CalcSettlement(price decimal.Decimal) decimal.Decimal {
	if p.ProtectedValue.IsZero() {
		return decimal.Zero
	}

	var intrinsic decimal.Decimal
	if p.PolicyType == PolicyPut {
		intrinsic = p.ProtectedValue.Sub(price)
	} else {
		intrinsic = price.Sub(p.ProtectedValue)
	}
	if intrinsic.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	settlement := intrinsic.Mul(p.ProtectionAmount).Div(p.ProtectedValue).Floor()
	if settlement.GreaterThan(p.ProtectionAmount) {
		return p.ProtectionAmount
	}
	return settlement
}

// ──────────────────────────────────────────────────────────────────────────────
// ExpireResult — per-item outcome for batch expiration
// ──────────────────────────────────────────────────────────────────────────────

// ExpireResult reports the outcome for one policy in a best-effort batch.
// The batch call itself never fails atomically; only individual items do.
type ExpireResult struct {
	PolicyID int64  `json:"policy_id"`
	Expired  bool   `json:"expired"`
	Error    string `json:"error,omitempty"`
}
