// Package ws holds WebSocket message types and the Hub implementation.
// messages.go defines all message structs broadcast to connected clients.
package ws

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	MsgTypePolicyCreated      MsgType = "policy_created"
	MsgTypePolicyExercised    MsgType = "policy_exercised"
	MsgTypePolicyExpired      MsgType = "policy_expired"
	MsgTypePremiumDistributed MsgType = "premium_distributed"
	MsgTypeDiscrepancy        MsgType = "discrepancy_found"
	MsgTypeError              MsgType = "error"
)

// ──────────────────────────────────────────────────────────────────────────────
// Policy lifecycle messages
// ──────────────────────────────────────────────────────────────────────────────

// PolicyEventMessage carries one policy lifecycle transition. The same shape
// serves created, exercised, and expired events; clients switch on Type.
type PolicyEventMessage struct {
	Type             MsgType           `json:"type"`
	PolicyID         int64             `json:"policy_id"`
	PolicyType       domain.PolicyType `json:"policy_type"`
	Status           string            `json:"status"`
	Token            string            `json:"token"`
	ProtectedValue   decimal.Decimal   `json:"protected_value"`
	ProtectionAmount decimal.Decimal   `json:"protection_amount"`
	Premium          decimal.Decimal   `json:"premium"`
	SettlementAmount decimal.Decimal   `json:"settlement_amount,omitempty"`
	ExpirationHeight int64             `json:"expiration_height"`
	Timestamp        time.Time         `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// PremiumDistributedMessage — broadcast after a confirmed payout.
// ──────────────────────────────────────────────────────────────────────────────

// PremiumDistributedMessage tells clients a policy's premium reached its
// providers.
type PremiumDistributedMessage struct {
	Type      MsgType         `json:"type"`
	PolicyID  int64           `json:"policy_id"`
	Premium   decimal.Decimal `json:"premium"`
	Timestamp time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// DiscrepancyMessage — broadcast when reconciliation finds a mismatch.
// ──────────────────────────────────────────────────────────────────────────────

// DiscrepancyMessage surfaces a reconciliation finding to back-office clients.
type DiscrepancyMessage struct {
	Type      MsgType                `json:"type"`
	Token     string                 `json:"token"`
	Kind      domain.DiscrepancyKind `json:"kind"`
	Internal  decimal.Decimal        `json:"internal"`
	External  decimal.Decimal        `json:"external"`
	Delta     decimal.Decimal        `json:"delta"`
	Note      string                 `json:"note"`
	Timestamp time.Time              `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// ErrorMessage — sent to a single client on a non-fatal error.
// ──────────────────────────────────────────────────────────────────────────────

// ErrorMessage is sent directly to one client (not broadcast).
type ErrorMessage struct {
	Type    MsgType `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}
