package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/service"
)

// ── In-memory fakes ───────────────────────────────────────────────────────────

type fakeStore struct {
	txs map[uuid.UUID]*domain.PendingTransaction
}

func newFakeStore(txs ...*domain.PendingTransaction) *fakeStore {
	s := &fakeStore{txs: make(map[uuid.UUID]*domain.PendingTransaction)}
	for _, pt := range txs {
		s.txs[pt.ID] = pt
	}
	return s
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*domain.PendingTransaction, error) {
	pt, ok := s.txs[id]
	if !ok {
		return nil, domain.ErrTxNotFound
	}
	return pt, nil
}

func (s *fakeStore) ListDueSubmissions(_ context.Context, _ int) ([]*domain.PendingTransaction, error) {
	var out []*domain.PendingTransaction
	now := time.Now()
	for _, pt := range s.txs {
		if pt.Status == domain.TxPending && !pt.NextAttemptAt.After(now) {
			out = append(out, pt)
		}
	}
	return out, nil
}

func (s *fakeStore) ListSubmitted(_ context.Context, _ int) ([]*domain.PendingTransaction, error) {
	var out []*domain.PendingTransaction
	for _, pt := range s.txs {
		if pt.Status == domain.TxSubmitted {
			out = append(out, pt)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkSubmitted(_ context.Context, id uuid.UUID, ref string) error {
	pt := s.txs[id]
	pt.Status = domain.TxSubmitted
	pt.ExternalRef = ref
	pt.PollCount = 0
	return nil
}

func (s *fakeStore) RecordRetry(_ context.Context, id uuid.UUID, lastError string, next time.Time) error {
	pt := s.txs[id]
	pt.RetryCount++
	pt.LastError = lastError
	pt.NextAttemptAt = next
	return nil
}

func (s *fakeStore) RecordPoll(_ context.Context, id uuid.UUID) error {
	s.txs[id].PollCount++
	return nil
}

func (s *fakeStore) ClaimTerminal(_ context.Context, id uuid.UUID, to domain.TxStatus, reason string) (bool, error) {
	pt := s.txs[id]
	if pt.Status.IsTerminal() {
		return false, nil
	}
	pt.Status = to
	pt.LastError = reason
	return true, nil
}

func (s *fakeStore) CancelPending(_ context.Context, id uuid.UUID) error {
	pt := s.txs[id]
	if pt.Status != domain.TxPending {
		return domain.ErrTxNotCancellable
	}
	pt.Status = domain.TxFailed
	return nil
}

func (s *fakeStore) ResetForRetry(_ context.Context, id uuid.UUID) error {
	pt := s.txs[id]
	pt.Status = domain.TxPending
	pt.RetryCount = 0
	pt.PollCount = 0
	return nil
}

type fakeLedger struct {
	submitRef  string
	submitErr  error
	status     chain.ExternalStatus
	statusErr  error
	reason     string
	submits    int
	statusAsks int
}

func (l *fakeLedger) Submit(_ context.Context, _ domain.ActionType, _ json.RawMessage) (string, error) {
	l.submits++
	if l.submitErr != nil {
		return "", l.submitErr
	}
	return l.submitRef, nil
}

func (l *fakeLedger) Status(_ context.Context, _ string) (chain.ExternalStatus, string, error) {
	l.statusAsks++
	if l.statusErr != nil {
		return "", "", l.statusErr
	}
	return l.status, l.reason, nil
}

func trackerConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			MaxSubmitRetries:  3,
			SubmitBackoffBase: time.Second,
			MaxPollAttempts:   5,
			ExpireBatchLimit:  100,
		},
	}
}

func pendingTx(action domain.ActionType) *domain.PendingTransaction {
	payload, _ := domain.EncodePayload(&domain.ExpirePayload{PolicyID: 1, Height: 500})
	return &domain.PendingTransaction{
		ID:          uuid.New(),
		Action:      action,
		Status:      domain.TxPending,
		ResourceKey: domain.PolicyResourceKey(1),
		Payload:     payload,
	}
}

// effects counts handler invocations for one action registration.
type effects struct {
	applied  int
	reverted int
}

func register(tr *service.TrackerService, action domain.ActionType) *effects {
	e := &effects{}
	tr.Register(action, service.Handlers{
		Apply:  func(context.Context, *domain.PendingTransaction) error { e.applied++; return nil },
		Revert: func(context.Context, *domain.PendingTransaction) error { e.reverted++; return nil },
	})
	return e
}

// ── Submission ────────────────────────────────────────────────────────────────

func TestTracker_SubmitMovesToSubmitted(t *testing.T) {
	pt := pendingTx(domain.ActionExpire)
	store := newFakeStore(pt)
	ledger := &fakeLedger{submitRef: "TX-9"}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	register(tr, domain.ActionExpire)

	n, err := tr.SubmitDue(context.Background())
	if err != nil {
		t.Fatalf("SubmitDue: %v", err)
	}
	if n != 1 {
		t.Errorf("submitted = %d, want 1", n)
	}
	if pt.Status != domain.TxSubmitted || pt.ExternalRef != "TX-9" {
		t.Errorf("tx = %s/%q, want submitted/TX-9", pt.Status, pt.ExternalRef)
	}
}

// A transient gateway error schedules a retry with backoff instead of failing
// the transaction.
func TestTracker_TransientErrorBacksOff(t *testing.T) {
	pt := pendingTx(domain.ActionExpire)
	store := newFakeStore(pt)
	ledger := &fakeLedger{submitErr: chain.Transient(errors.New("gateway busy"))}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	eff := register(tr, domain.ActionExpire)

	if _, err := tr.SubmitDue(context.Background()); err != nil {
		t.Fatalf("SubmitDue: %v", err)
	}
	if pt.Status != domain.TxPending {
		t.Errorf("status = %s, want pending (retry scheduled)", pt.Status)
	}
	if pt.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", pt.RetryCount)
	}
	if !pt.NextAttemptAt.After(time.Now()) {
		t.Error("next attempt should be in the future")
	}
	if eff.reverted != 0 {
		t.Errorf("revert ran %d times on a transient error", eff.reverted)
	}
}

// Exhausting the retry budget terminates the transaction and runs the revert
// handler exactly once.
func TestTracker_RetryBudgetExhausted(t *testing.T) {
	pt := pendingTx(domain.ActionWithdraw)
	pt.RetryCount = 2 // one attempt left with MaxSubmitRetries=3
	store := newFakeStore(pt)
	ledger := &fakeLedger{submitErr: chain.Transient(errors.New("still busy"))}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	eff := register(tr, domain.ActionWithdraw)

	if _, err := tr.SubmitDue(context.Background()); err != nil {
		t.Fatalf("SubmitDue: %v", err)
	}
	if pt.Status != domain.TxFailed {
		t.Errorf("status = %s, want failed", pt.Status)
	}
	if eff.reverted != 1 {
		t.Errorf("revert ran %d times, want 1", eff.reverted)
	}
}

// A permanent rejection fails immediately regardless of remaining retries.
func TestTracker_PermanentRejectionFailsImmediately(t *testing.T) {
	pt := pendingTx(domain.ActionWithdraw)
	store := newFakeStore(pt)
	ledger := &fakeLedger{submitErr: chain.Permanent(errors.New("invalid payload"))}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	eff := register(tr, domain.ActionWithdraw)

	if _, err := tr.SubmitDue(context.Background()); err != nil {
		t.Fatalf("SubmitDue: %v", err)
	}
	if pt.Status != domain.TxFailed {
		t.Errorf("status = %s, want failed", pt.Status)
	}
	if pt.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 (no retry on permanent error)", pt.RetryCount)
	}
	if eff.reverted != 1 {
		t.Errorf("revert ran %d times, want 1", eff.reverted)
	}
}

// ── Polling ───────────────────────────────────────────────────────────────────

func TestTracker_PollConfirmedRunsApplyOnce(t *testing.T) {
	pt := pendingTx(domain.ActionDeposit)
	pt.Status = domain.TxSubmitted
	pt.ExternalRef = "TX-1"
	store := newFakeStore(pt)
	ledger := &fakeLedger{status: chain.ExternalConfirmed}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	eff := register(tr, domain.ActionDeposit)

	n, err := tr.PollSubmitted(context.Background())
	if err != nil {
		t.Fatalf("PollSubmitted: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved = %d, want 1", n)
	}
	if pt.Status != domain.TxConfirmed {
		t.Errorf("status = %s, want confirmed", pt.Status)
	}
	if eff.applied != 1 || eff.reverted != 0 {
		t.Errorf("apply/revert = %d/%d, want 1/0", eff.applied, eff.reverted)
	}

	// A second pass finds nothing in the submitted state; apply never re-runs.
	if _, err := tr.PollSubmitted(context.Background()); err != nil {
		t.Fatalf("PollSubmitted (second): %v", err)
	}
	if eff.applied != 1 {
		t.Errorf("apply ran %d times after second poll, want 1", eff.applied)
	}
}

func TestTracker_PollFailureRunsRevert(t *testing.T) {
	pt := pendingTx(domain.ActionDeposit)
	pt.Status = domain.TxSubmitted
	pt.ExternalRef = "TX-2"
	store := newFakeStore(pt)
	ledger := &fakeLedger{status: chain.ExternalFailed, reason: "out of gas"}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	eff := register(tr, domain.ActionDeposit)

	if _, err := tr.PollSubmitted(context.Background()); err != nil {
		t.Fatalf("PollSubmitted: %v", err)
	}
	if pt.Status != domain.TxFailed || pt.LastError != "out of gas" {
		t.Errorf("tx = %s/%q, want failed/out of gas", pt.Status, pt.LastError)
	}
	if eff.reverted != 1 {
		t.Errorf("revert ran %d times, want 1", eff.reverted)
	}
}

// A transaction that stays externally pending past the poll budget times out
// as failed.
func TestTracker_PollBudgetTimesOut(t *testing.T) {
	pt := pendingTx(domain.ActionExpire)
	pt.Status = domain.TxSubmitted
	pt.ExternalRef = "TX-3"
	store := newFakeStore(pt)
	ledger := &fakeLedger{status: chain.ExternalPending}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	eff := register(tr, domain.ActionExpire)

	for i := 0; i < 5; i++ {
		if _, err := tr.PollSubmitted(context.Background()); err != nil {
			t.Fatalf("PollSubmitted #%d: %v", i, err)
		}
	}
	if pt.Status != domain.TxFailed {
		t.Errorf("status = %s, want failed after poll budget", pt.Status)
	}
	if pt.LastError != domain.ErrTxTimeout.Error() {
		t.Errorf("last_error = %q, want timeout", pt.LastError)
	}
	if eff.reverted != 1 {
		t.Errorf("revert ran %d times, want 1", eff.reverted)
	}
}

// Status endpoint errors consume poll budget too; a dead gateway cannot keep
// a transaction submitted forever.
func TestTracker_StatusErrorsConsumeBudget(t *testing.T) {
	pt := pendingTx(domain.ActionExpire)
	pt.Status = domain.TxSubmitted
	pt.ExternalRef = "TX-4"
	store := newFakeStore(pt)
	ledger := &fakeLedger{statusErr: errors.New("connection refused")}
	tr := service.NewTrackerService(store, ledger, trackerConfig())
	register(tr, domain.ActionExpire)

	for i := 0; i < 5; i++ {
		if _, err := tr.PollSubmitted(context.Background()); err != nil {
			t.Fatalf("PollSubmitted #%d: %v", i, err)
		}
	}
	if pt.Status != domain.TxFailed {
		t.Errorf("status = %s, want failed", pt.Status)
	}
}

// ── Manual controls ───────────────────────────────────────────────────────────

func TestTracker_RetryResetsFailed(t *testing.T) {
	pt := pendingTx(domain.ActionWithdraw)
	pt.Status = domain.TxFailed
	pt.RetryCount = 3
	store := newFakeStore(pt)
	tr := service.NewTrackerService(store, &fakeLedger{}, trackerConfig())

	if err := tr.Retry(context.Background(), pt.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if pt.Status != domain.TxPending || pt.RetryCount != 0 {
		t.Errorf("tx = %s/retries=%d, want pending/0", pt.Status, pt.RetryCount)
	}
}

func TestTracker_CancelOnlyPending(t *testing.T) {
	pt := pendingTx(domain.ActionDeposit)
	pt.Status = domain.TxSubmitted
	store := newFakeStore(pt)
	tr := service.NewTrackerService(store, &fakeLedger{}, trackerConfig())

	if err := tr.Cancel(context.Background(), pt.ID); !errors.Is(err, domain.ErrTxNotCancellable) {
		t.Errorf("Cancel(submitted) = %v, want ErrTxNotCancellable", err)
	}
}
