package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Allocation errors
var (
	// ErrInsufficientLiquidity is returned when the pool's total available
	// balance across all tiers cannot cover the required collateral. The
	// allocation is all-or-nothing: no provider balance is touched.
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity for required collateral")

	// ErrInsufficientBalance is returned when a single provider's available
	// balance is too low for a debit (withdrawal, hold, allocation step).
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrInvalidPolicyType is returned for policy types other than put or call.
	ErrInvalidPolicyType = errors.New("invalid policy type: must be put or call")

	// ErrZeroOrNegativeAmount is returned when an amount that must be strictly
	// positive is zero or negative.
	ErrZeroOrNegativeAmount = errors.New("amount must be a positive integer number of base units")

	// ErrUnsupportedToken is returned when the pool does not accept collateral
	// in the requested token.
	ErrUnsupportedToken = errors.New("token not supported by the pool")

	// ErrInvalidRiskTier is returned for tiers other than conservative,
	// balanced or aggressive.
	ErrInvalidRiskTier = errors.New("invalid risk tier")
)

// Policy lifecycle errors
var (
	// ErrPolicyNotFound is returned when no policy matches the given ID.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrInvalidTransition is returned when a lifecycle transition's
	// precondition fails (wrong state, height window, or price condition).
	ErrInvalidTransition = errors.New("invalid policy state transition")

	// ErrUnauthorized is returned when the acting identity is not permitted to
	// drive the requested transition (e.g. non-owner exercise, non-backend
	// expiration).
	ErrUnauthorized = errors.New("actor is not authorized for this transition")

	// ErrAlreadySettled is returned when settlement is applied twice to the
	// same exercised policy.
	ErrAlreadySettled = errors.New("settlement already applied for policy")

	// ErrAlreadyDistributed is returned when premium distribution is requested
	// twice for the same expired policy.
	ErrAlreadyDistributed = errors.New("premium already distributed for policy")
)

// Provider / ledger errors
var (
	// ErrProviderNotFound is returned when no balance record exists for the
	// requested (provider, token) pair.
	ErrProviderNotFound = errors.New("provider balance not found")

	// ErrMetricsNotFound is returned when no cached pool metrics exist yet for
	// the requested token (nothing has been reconciled).
	ErrMetricsNotFound = errors.New("pool metrics not computed yet")

	// ErrDataIntegrity flags a broken conservation invariant — a provider
	// balance missing for a live allocation, or sums that no longer reconcile.
	// Always fatal for the operation, never retried, never auto-corrected.
	ErrDataIntegrity = errors.New("ledger data integrity violation")
)

// Transaction lifecycle errors
var (
	// ErrTxNotFound is returned when no pending transaction matches the ID.
	ErrTxNotFound = errors.New("pending transaction not found")

	// ErrOperationInProgress is returned when a resource key already has an
	// in-flight (pending or submitted) transaction.
	ErrOperationInProgress = errors.New("operation already in progress for resource")

	// ErrExternalSubmission is returned when the external ledger rejects or
	// fails a submission. Transient variants are retried by the tracker.
	ErrExternalSubmission = errors.New("external ledger submission failed")

	// ErrTxTimeout is returned when a submitted transaction exhausts its poll
	// attempts without reaching a terminal external status.
	ErrTxTimeout = errors.New("external confirmation timed out")

	// ErrTxNotCancellable is returned when cancellation is requested for a
	// transaction that already left the pending state.
	ErrTxNotCancellable = errors.New("only pending transactions can be cancelled")
)

// Auth errors
var (
	// ErrForbidden is returned when the authenticated actor lacks the required role.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrTokenInvalid is returned when a bearer token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")
)

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// notFoundErrors collects all "entity not found" sentinel errors so that
// IsNotFound can stay in sync automatically.
var notFoundErrors = []error{
	ErrPolicyNotFound,
	ErrProviderNotFound,
	ErrTxNotFound,
	ErrMetricsNotFound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors. Use this instead of comparing error values
// directly when translating domain errors to HTTP 404 responses.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict returns true for errors that represent a state conflict —
// idempotency guards, double-processing, and in-flight collisions.
func IsConflict(err error) bool {
	conflictErrors := []error{
		ErrAlreadySettled,
		ErrAlreadyDistributed,
		ErrOperationInProgress,
		ErrInvalidTransition,
		ErrTxNotCancellable,
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	authErrors := []error{
		ErrUnauthorized,
		ErrForbidden,
		ErrTokenInvalid,
	}
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsIntegrity returns true when err carries a data-integrity violation.
// Callers must surface these loudly and flag them for manual reconciliation;
// they are never retried or silently corrected.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrDataIntegrity)
}
