// Package chain holds the external collaborators the engine consumes but does
// not implement: the price oracle, the height source, ledger submission, and
// the premium pricing model. Each is a narrow interface so services and tests
// can swap the node gateway for fakes.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// Interfaces
// ──────────────────────────────────────────────────────────────────────────────

// Oracle supplies the current price of a token together with the height the
// quote was observed at.
type Oracle interface {
	CurrentPrice(ctx context.Context, token string) (price decimal.Decimal, height int64, err error)
}

// HeightSource supplies the current external-ledger block height.
type HeightSource interface {
	CurrentHeight(ctx context.Context) (int64, error)
}

// ExternalStatus is the ledger's view of a submitted transaction.
type ExternalStatus string

const (
	ExternalPending   ExternalStatus = "pending"
	ExternalConfirmed ExternalStatus = "confirmed"
	ExternalFailed    ExternalStatus = "failed"
)

// Ledger submits engine actions to the external system of record and reports
// their final status. Submit returns the ledger-assigned reference handle.
type Ledger interface {
	Submit(ctx context.Context, action domain.ActionType, payload json.RawMessage) (ref string, err error)
	Status(ctx context.Context, ref string) (status ExternalStatus, reason string, err error)
}

// PremiumParams carries the policy parameters the pricing model quotes on.
type PremiumParams struct {
	PolicyType       domain.PolicyType `json:"policy_type"`
	Token            string            `json:"token"`
	ProtectedValue   decimal.Decimal   `json:"protected_value"`
	ProtectionAmount decimal.Decimal   `json:"protection_amount"`
	DurationBlocks   int64             `json:"duration_blocks"`
}

// Quoter prices a policy. The model is opaque; only the quoted amount matters.
type Quoter interface {
	QuotePremium(ctx context.Context, params PremiumParams) (decimal.Decimal, error)
}

// PoolAggregate is the external ledger's authoritative view of the pool's
// holdings for one token, compared against the internal fold during
// reconciliation.
type PoolAggregate struct {
	Token        string          `json:"token"`
	TotalBalance decimal.Decimal `json:"total_balance"`
	TotalLocked  decimal.Decimal `json:"total_locked"`
}

// AggregateSource reports the external pool aggregate per token.
type AggregateSource interface {
	PoolAggregate(ctx context.Context, token string) (PoolAggregate, error)
}

// Client bundles the collaborator roles the node gateway implements.
type Client interface {
	Oracle
	HeightSource
	Ledger
	Quoter
	AggregateSource
}

// ──────────────────────────────────────────────────────────────────────────────
// Error classification
// ──────────────────────────────────────────────────────────────────────────────

// SubmitError wraps a failed ledger submission with its retry class. Network
// faults and gateway overload are transient and retried with backoff; explicit
// rejections are permanent and fail the transaction immediately.
type SubmitError struct {
	Transient bool
	Err       error
}

func (e *SubmitError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient submission error: %v", e.Err)
	}
	return fmt.Sprintf("permanent submission error: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable submission failure.
func Transient(err error) error {
	return &SubmitError{Transient: true, Err: fmt.Errorf("%w: %w", domain.ErrExternalSubmission, err)}
}

// Permanent wraps err as a non-retryable submission failure.
func Permanent(err error) error {
	return &SubmitError{Transient: false, Err: fmt.Errorf("%w: %w", domain.ErrExternalSubmission, err)}
}

// IsTransient reports whether err allows another submission attempt.
// Unclassified errors are treated as transient so a flaky gateway never
// permanently fails a transaction on its own.
func IsTransient(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}
