package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// TxStatus is the lifecycle state of a pending external-ledger transaction.
//
//	pending → submitted → confirmed
//	                    → failed
//	pending → failed            (submission exhausted retries / cancelled)
//
// Confirmed and failed are terminal; rows are never deleted, they form the
// permanent audit trail.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// IsTerminal returns true for confirmed and failed.
func (s TxStatus) IsTerminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// InFlight returns true while the transaction still blocks its resource key.
func (s TxStatus) InFlight() bool {
	return s == TxPending || s == TxSubmitted
}

// ActionType tags what state change the external transaction carries, and
// selects the payload type and the apply/revert handlers on confirmation.
type ActionType string

const (
	ActionDeposit           ActionType = "deposit"
	ActionWithdraw          ActionType = "withdraw"
	ActionAllocate          ActionType = "allocate"
	ActionSettle            ActionType = "settle"
	ActionDistributePremium ActionType = "distribute_premium"
	ActionExpire            ActionType = "expire"
)

// IsValid returns true if the action is recognised.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionDeposit, ActionWithdraw, ActionAllocate, ActionSettle,
		ActionDistributePremium, ActionExpire:
		return true
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// PendingTransaction
// ──────────────────────────────────────────────────────────────────────────────

// PendingTransaction tracks one intended external-ledger operation from
// creation through confirmation or failure. ResourceKey names the resource
// the operation locks (for example "provider:<id>:<token>" or
// "policy:<id>"); at most one in-flight row may exist per key, enforced both
// by a service pre-check and a partial unique index.
type PendingTransaction struct {
	ID          uuid.UUID       `json:"id"           db:"id"`
	Action      ActionType      `json:"action"       db:"action"`
	Status      TxStatus        `json:"status"       db:"status"`
	ResourceKey string          `json:"resource_key" db:"resource_key"`
	Payload     json.RawMessage `json:"payload"      db:"payload"`
	ExternalRef string          `json:"external_ref" db:"external_ref"` // ledger-assigned tx hash/id
	RetryCount  int             `json:"retry_count"  db:"retry_count"`  // submission attempts so far
	PollCount   int             `json:"poll_count"   db:"poll_count"`   // status polls since submission
	LastError   string          `json:"last_error"   db:"last_error"`
	// NextAttemptAt gates the submit loop: transient failures push it into
	// the future with exponential backoff.
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"      db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"      db:"updated_at"`
	ResolvedAt    *time.Time `json:"resolved_at"     db:"resolved_at"`
}

// ProviderResourceKey builds the in-flight lock key for provider fund moves.
func ProviderResourceKey(providerID uuid.UUID, token string) string {
	return fmt.Sprintf("provider:%s:%s", providerID, token)
}

// PolicyResourceKey builds the in-flight lock key for policy lifecycle moves.
func PolicyResourceKey(policyID int64) string {
	return fmt.Sprintf("policy:%d", policyID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Payload union
//
// The payload column holds raw JSON tagged by Action. DecodePayload returns
// the one concrete struct for the tag; handlers type-assert on the result.
// ──────────────────────────────────────────────────────────────────────────────

// DepositPayload funds a provider's available balance on confirmation.
type DepositPayload struct {
	ProviderID uuid.UUID       `json:"provider_id"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	RiskTier   RiskTier        `json:"risk_tier"` // applied on first deposit only
}

// WithdrawPayload finalizes a withdrawal hold on confirmation; on failure the
// hold is reverted and the amount returns to the available balance.
type WithdrawPayload struct {
	ProviderID  uuid.UUID       `json:"provider_id"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// AllocatePayload records the external registration of a freshly allocated
// policy. The collateral locks are already applied locally; failure flags the
// policy for reconciliation rather than unwinding it blindly.
type AllocatePayload struct {
	PolicyID int64           `json:"policy_id"`
	Token    string          `json:"token"`
	Required decimal.Decimal `json:"required"`
	Premium  decimal.Decimal `json:"premium"`
}

// SettlePayload carries an exercise settlement to the external ledger; local
// collateral consumption and release are applied when it confirms.
type SettlePayload struct {
	PolicyID   int64           `json:"policy_id"`
	Owner      uuid.UUID       `json:"owner"`
	Token      string          `json:"token"`
	Settlement decimal.Decimal `json:"settlement"`
	Price      decimal.Decimal `json:"price"`
	Height     int64           `json:"height"`
}

// DistributePremiumPayload moves an expired policy's premium from pending to
// earned for every allocated provider on confirmation.
type DistributePremiumPayload struct {
	PolicyID int64           `json:"policy_id"`
	Token    string          `json:"token"`
	Premium  decimal.Decimal `json:"premium"`
}

// ExpirePayload records the external expiration of a policy; collateral is
// released on confirmation.
type ExpirePayload struct {
	PolicyID int64 `json:"policy_id"`
	Height   int64 `json:"height"`
}

// DecodePayload unmarshals raw into the payload struct selected by action.
// The concrete type is returned as any; callers switch on it.
func DecodePayload(action ActionType, raw json.RawMessage) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", action, err)
		}
		return v, nil
	}
	switch action {
	case ActionDeposit:
		return decode(&DepositPayload{})
	case ActionWithdraw:
		return decode(&WithdrawPayload{})
	case ActionAllocate:
		return decode(&AllocatePayload{})
	case ActionSettle:
		return decode(&SettlePayload{})
	case ActionDistributePremium:
		return decode(&DistributePremiumPayload{})
	case ActionExpire:
		return decode(&ExpirePayload{})
	default:
		return nil, fmt.Errorf("decode payload: unknown action %q", action)
	}
}

// EncodePayload marshals a typed payload for storage.
func EncodePayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// PremiumDistribution
// ──────────────────────────────────────────────────────────────────────────────

// DistributionStatus tracks a per-provider premium distribution record.
type DistributionStatus string

const (
	DistributionPending    DistributionStatus = "pending"
	DistributionProcessing DistributionStatus = "processing"
	DistributionCompleted  DistributionStatus = "completed"
)

// PremiumDistribution is one provider's premium credit for one expired
// policy. Created pending when the policy is written, completed when the
// expiration distribution confirms.
type PremiumDistribution struct {
	ID          uuid.UUID          `json:"id"           db:"id"`
	PolicyID    int64              `json:"policy_id"    db:"policy_id"`
	ProviderID  uuid.UUID          `json:"provider_id"  db:"provider_id"`
	Token       string             `json:"token"        db:"token"`
	Amount      decimal.Decimal    `json:"amount"       db:"amount"`
	Status      DistributionStatus `json:"status"       db:"status"`
	CreatedAt   time.Time          `json:"created_at"   db:"created_at"`
	CompletedAt *time.Time         `json:"completed_at" db:"completed_at"`
}
