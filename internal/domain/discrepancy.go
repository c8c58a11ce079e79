package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscrepancyKind names which aggregate disagreed with the external ledger.
type DiscrepancyKind string

const (
	// Pool-level aggregate mismatches against the external ledger.
	DiscrepancyTotalBalance DiscrepancyKind = "total_balance"
	DiscrepancyTotalLocked  DiscrepancyKind = "total_locked"

	// Provider-level drift. Never auto-corrected; flagged for escalation.
	DiscrepancyConservation    DiscrepancyKind = "provider_conservation"
	DiscrepancyAllocationDrift DiscrepancyKind = "allocation_drift"
)

// StateDiscrepancy records one reconciliation mismatch between the internal
// fold over provider balances and the external ledger's aggregate. Recording
// never mutates provider-level balances; drift there implies a misattributed
// allocation and requires escalated manual reconciliation.
type StateDiscrepancy struct {
	ID         uuid.UUID       `json:"id"          db:"id"`
	Token      string          `json:"token"       db:"token"`
	Kind       DiscrepancyKind `json:"kind"        db:"kind"`
	Internal   decimal.Decimal `json:"internal"    db:"internal"`
	External   decimal.Decimal `json:"external"    db:"external"`
	Delta      decimal.Decimal `json:"delta"       db:"delta"` // external − internal
	DetectedAt time.Time       `json:"detected_at" db:"detected_at"`
	Resolved   bool            `json:"resolved"    db:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at" db:"resolved_at"`
	Note       string          `json:"note"        db:"note"`
}
