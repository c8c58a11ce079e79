package domain_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

func activePut(owner uuid.UUID, strike, protection, expiration int64) *domain.Policy {
	return &domain.Policy{
		ID:               1,
		Owner:            owner,
		PolicyType:       domain.PolicyPut,
		ProtectedValue:   decimal.NewFromInt(strike),
		ProtectionAmount: decimal.NewFromInt(protection),
		ExpirationHeight: expiration,
		Status:           domain.PolicyActive,
	}
}

// ── Exercise transition ───────────────────────────────────────────────────────

func TestValidateExercise_OwnerInTheMoney(t *testing.T) {
	owner := uuid.New()
	p := activePut(owner, 45000, 100000000, 500)
	actor := domain.Actor{AccountID: owner}

	if err := p.ValidateExercise(actor, 499, decimal.NewFromInt(40000)); err != nil {
		t.Errorf("valid exercise rejected: %v", err)
	}
}

func TestValidateExercise_WrongActor(t *testing.T) {
	p := activePut(uuid.New(), 45000, 100000000, 500)

	err := p.ValidateExercise(domain.Actor{AccountID: uuid.New()}, 100, decimal.NewFromInt(40000))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("stranger exercise: err = %v, want ErrUnauthorized", err)
	}
	// the automation identity may expire, never exercise
	err = p.ValidateExercise(domain.BackendActor, 100, decimal.NewFromInt(40000))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("backend exercise: err = %v, want ErrUnauthorized", err)
	}
}

// TestValidateExercise_HeightBoundary: the window is strict — exercising
// exactly at the expiration height must already fail.
func TestValidateExercise_HeightBoundary(t *testing.T) {
	owner := uuid.New()
	p := activePut(owner, 45000, 100000000, 500)
	actor := domain.Actor{AccountID: owner}
	price := decimal.NewFromInt(40000)

	if err := p.ValidateExercise(actor, 500, price); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("exercise at expiration height: err = %v, want ErrInvalidTransition", err)
	}
	if err := p.ValidateExercise(actor, 501, price); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("exercise past expiration: err = %v, want ErrInvalidTransition", err)
	}
	if err := p.ValidateExercise(actor, 499, price); err != nil {
		t.Errorf("exercise one block before expiration rejected: %v", err)
	}
}

func TestValidateExercise_PriceCondition(t *testing.T) {
	owner := uuid.New()
	actor := domain.Actor{AccountID: owner}

	put := activePut(owner, 45000, 100000000, 500)
	if err := put.ValidateExercise(actor, 100, decimal.NewFromInt(45000)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("put at strike: err = %v, want ErrInvalidTransition", err)
	}
	if err := put.ValidateExercise(actor, 100, decimal.NewFromInt(46000)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("put above strike: err = %v, want ErrInvalidTransition", err)
	}

	call := activePut(owner, 45000, 100000000, 500)
	call.PolicyType = domain.PolicyCall
	if err := call.ValidateExercise(actor, 100, decimal.NewFromInt(46000)); err != nil {
		t.Errorf("call above strike rejected: %v", err)
	}
	if err := call.ValidateExercise(actor, 100, decimal.NewFromInt(45000)); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("call at strike: err = %v, want ErrInvalidTransition", err)
	}
}

// TestValidateExercise_TerminalIsFinal: the machine is monotonic, terminal
// states reject every further transition.
func TestValidateExercise_TerminalIsFinal(t *testing.T) {
	owner := uuid.New()
	actor := domain.Actor{AccountID: owner}
	price := decimal.NewFromInt(40000)

	for _, status := range []domain.PolicyStatus{domain.PolicyExercised, domain.PolicyExpired} {
		p := activePut(owner, 45000, 100000000, 500)
		p.Status = status
		if err := p.ValidateExercise(actor, 100, price); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("exercise from %s: err = %v, want ErrInvalidTransition", status, err)
		}
		if err := p.ValidateExpire(domain.BackendActor, 600); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expire from %s: err = %v, want ErrInvalidTransition", status, err)
		}
		if !status.IsTerminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
}

// ── Expire transition ─────────────────────────────────────────────────────────

func TestValidateExpire(t *testing.T) {
	owner := uuid.New()
	p := activePut(owner, 45000, 100000000, 500)

	if err := p.ValidateExpire(domain.BackendActor, 500); err != nil {
		t.Errorf("expire at expiration height rejected: %v", err)
	}
	// one block early must fail
	if err := p.ValidateExpire(domain.BackendActor, 499); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("early expire: err = %v, want ErrInvalidTransition", err)
	}
	// only the automation identity may expire, even the owner cannot
	if err := p.ValidateExpire(domain.Actor{AccountID: owner}, 600); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("owner expire: err = %v, want ErrUnauthorized", err)
	}
}

// ── Settlement arithmetic ─────────────────────────────────────────────────────

// TestCalcSettlement_PutScenario reproduces the reference computation:
//
//	strike = 45000, protection = 100000000 (1 BTC in sats), price = 40000
//	settlement = (45000 − 40000) × 100000000 / 45000 = 11111111.11… → 11111111
func TestCalcSettlement_PutScenario(t *testing.T) {
	p := activePut(uuid.New(), 45000, 100000000, 500)
	got := p.CalcSettlement(decimal.NewFromInt(40000))
	want := decimal.NewFromInt(11111111)
	if !got.Equal(want) {
		t.Errorf("CalcSettlement = %s, want %s", got, want)
	}
}

func TestCalcSettlement_Call(t *testing.T) {
	p := activePut(uuid.New(), 40000, 100000000, 500)
	p.PolicyType = domain.PolicyCall
	// (50000 − 40000) × 100000000 / 40000 = 25000000
	got := p.CalcSettlement(decimal.NewFromInt(50000))
	if !got.Equal(decimal.NewFromInt(25000000)) {
		t.Errorf("CalcSettlement = %s, want 25000000", got)
	}
}

func TestCalcSettlement_ClampedToProtection(t *testing.T) {
	p := activePut(uuid.New(), 45000, 100000000, 500)
	// price 0: intrinsic = full strike → raw settlement = protection exactly
	if got := p.CalcSettlement(decimal.Zero); !got.Equal(decimal.NewFromInt(100000000)) {
		t.Errorf("price 0: settlement = %s, want full protection", got)
	}
	// out of the money → zero
	if got := p.CalcSettlement(decimal.NewFromInt(50000)); !got.IsZero() {
		t.Errorf("OTM settlement = %s, want 0", got)
	}
	// never negative, never above protection
	for _, price := range []int64{1, 100, 22500, 44999, 45000, 45001} {
		got := p.CalcSettlement(decimal.NewFromInt(price))
		if got.IsNegative() || got.GreaterThan(p.ProtectionAmount) {
			t.Errorf("price %d: settlement %s out of [0, protection]", price, got)
		}
	}
}

func TestCalcSettlement_ZeroStrike(t *testing.T) {
	p := activePut(uuid.New(), 0, 100000000, 500)
	if got := p.CalcSettlement(decimal.NewFromInt(100)); !got.IsZero() {
		t.Errorf("zero-strike settlement = %s, want 0", got)
	}
}

// ── Positions & type validity ─────────────────────────────────────────────────

func TestPolicy_Positions(t *testing.T) {
	p := activePut(uuid.New(), 45000, 100000000, 500)
	if p.OwnerPosition() != domain.PositionLongPut || p.PoolPosition() != domain.PositionShortPut {
		t.Errorf("put positions = %s/%s", p.OwnerPosition(), p.PoolPosition())
	}
	p.PolicyType = domain.PolicyCall
	if p.OwnerPosition() != domain.PositionLongCall || p.PoolPosition() != domain.PositionShortCall {
		t.Errorf("call positions = %s/%s", p.OwnerPosition(), p.PoolPosition())
	}
}

func TestPolicyType_IsValid(t *testing.T) {
	if !domain.PolicyPut.IsValid() || !domain.PolicyCall.IsValid() {
		t.Error("put and call should be valid")
	}
	if domain.PolicyType("straddle").IsValid() {
		t.Error("straddle should not be valid")
	}
}
