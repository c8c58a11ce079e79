package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

func TestTxStatus_Lifecycle(t *testing.T) {
	if !domain.TxPending.InFlight() || !domain.TxSubmitted.InFlight() {
		t.Error("pending and submitted should be in flight")
	}
	if domain.TxConfirmed.InFlight() || domain.TxFailed.InFlight() {
		t.Error("terminal statuses should not be in flight")
	}
	if !domain.TxConfirmed.IsTerminal() || !domain.TxFailed.IsTerminal() {
		t.Error("confirmed and failed should be terminal")
	}
}

func TestDecodePayload_RoundTrip(t *testing.T) {
	in := &domain.WithdrawPayload{
		ProviderID:  uuid.New(),
		Token:       "X",
		Amount:      decimal.NewFromInt(500),
		Destination: "addr1",
	}
	raw, err := domain.EncodePayload(in)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	out, err := domain.DecodePayload(domain.ActionWithdraw, raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	got, ok := out.(*domain.WithdrawPayload)
	if !ok {
		t.Fatalf("decoded type = %T, want *WithdrawPayload", out)
	}
	if got.ProviderID != in.ProviderID || !got.Amount.Equal(in.Amount) || got.Destination != "addr1" {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestDecodePayload_UnknownAction(t *testing.T) {
	if _, err := domain.DecodePayload(domain.ActionType("teleport"), []byte(`{}`)); err == nil {
		t.Error("unknown action should fail")
	}
}

func TestResourceKeys(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	if got := domain.ProviderResourceKey(id, "X"); got != "provider:11111111-2222-3333-4444-555555555555:X" {
		t.Errorf("provider key = %q", got)
	}
	if got := domain.PolicyResourceKey(42); got != "policy:42" {
		t.Errorf("policy key = %q", got)
	}
}
