package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
)

// TrackerStore is the slice of the pending-transaction repository the tracker
// needs. Narrow so tests can fake it without a database.
type TrackerStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PendingTransaction, error)
	ListDueSubmissions(ctx context.Context, limit int) ([]*domain.PendingTransaction, error)
	ListSubmitted(ctx context.Context, limit int) ([]*domain.PendingTransaction, error)
	MarkSubmitted(ctx context.Context, id uuid.UUID, externalRef string) error
	RecordRetry(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time) error
	RecordPoll(ctx context.Context, id uuid.UUID) error
	ClaimTerminal(ctx context.Context, id uuid.UUID, to domain.TxStatus, reason string) (bool, error)
	CancelPending(ctx context.Context, id uuid.UUID) error
	ResetForRetry(ctx context.Context, id uuid.UUID) error
}

// HandlerFunc runs a financial effect for one pending transaction.
type HandlerFunc func(ctx context.Context, pt *domain.PendingTransaction) error

// Handlers pairs the apply and revert effects for one action type. Apply runs
// after the external ledger confirms; Revert after it terminally fails. Both
// run at most once per transaction: only the goroutine that wins the
// ClaimTerminal compare-and-set executes them.
type Handlers struct {
	Apply  HandlerFunc
	Revert HandlerFunc
}

// TrackerService drives pending transactions through their lifecycle:
// pending → submitted → confirmed | failed. Submission failures retry with
// exponential backoff up to a cap; submitted transactions are polled until
// the external ledger answers or the poll budget runs out.
type TrackerService struct {
	store    TrackerStore
	ledger   chain.Ledger
	cfg      *config.Config
	handlers map[domain.ActionType]Handlers
}

// NewTrackerService creates a TrackerService with an empty handler registry.
func NewTrackerService(store TrackerStore, ledger chain.Ledger, cfg *config.Config) *TrackerService {
	return &TrackerService{
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		handlers: make(map[domain.ActionType]Handlers),
	}
}

// Register wires the apply/revert pair for one action type. Must be called
// for every action before the scheduler starts ticking.
func (s *TrackerService) Register(action domain.ActionType, h Handlers) {
	s.handlers[action] = h
}

// ──────────────────────────────────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────────────────────────────────

// SubmitDue pushes every due pending transaction to the external ledger.
// Returns the number of successful submissions.
func (s *TrackerService) SubmitDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDueSubmissions(ctx, s.cfg.Engine.ExpireBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("tracker.SubmitDue: %w", err)
	}
	submitted := 0
	for _, pt := range due {
		if err := s.submitOne(ctx, pt); err != nil {
			slog.Warn("submission failed", "tx_id", pt.ID, "action", pt.Action, "error", err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (s *TrackerService) submitOne(ctx context.Context, pt *domain.PendingTransaction) error {
	ref, err := s.ledger.Submit(ctx, pt.Action, pt.Payload)
	if err == nil {
		if err := s.store.MarkSubmitted(ctx, pt.ID, ref); err != nil {
			return fmt.Errorf("mark submitted: %w", err)
		}
		slog.Info("submitted to external ledger", "tx_id", pt.ID, "action", pt.Action, "ref", ref)
		return nil
	}

	// Permanent rejections and exhausted retry budgets both terminate the
	// transaction; everything else backs off and retries.
	exhausted := pt.RetryCount+1 >= s.cfg.Engine.MaxSubmitRetries
	if !chain.IsTransient(err) || exhausted {
		s.fail(ctx, pt, err.Error())
		return err
	}
	backoff := s.cfg.Engine.SubmitBackoffBase * time.Duration(1<<pt.RetryCount)
	next := time.Now().UTC().Add(backoff)
	if rerr := s.store.RecordRetry(ctx, pt.ID, err.Error(), next); rerr != nil {
		return fmt.Errorf("record retry: %w", rerr)
	}
	return err
}

// ──────────────────────────────────────────────────────────────────────────────
// Polling
// ──────────────────────────────────────────────────────────────────────────────

// PollSubmitted asks the external ledger about every submitted transaction
// and resolves the ones that reached a terminal external status. Returns the
// number of transactions resolved this pass.
func (s *TrackerService) PollSubmitted(ctx context.Context) (int, error) {
	waiting, err := s.store.ListSubmitted(ctx, s.cfg.Engine.ExpireBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("tracker.PollSubmitted: %w", err)
	}
	resolved := 0
	for _, pt := range waiting {
		done, err := s.pollOne(ctx, pt)
		if err != nil {
			slog.Warn("poll failed", "tx_id", pt.ID, "ref", pt.ExternalRef, "error", err)
			continue
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

func (s *TrackerService) pollOne(ctx context.Context, pt *domain.PendingTransaction) (bool, error) {
	status, reason, err := s.ledger.Status(ctx, pt.ExternalRef)
	if err != nil {
		// A flaky status endpoint still consumes poll budget, otherwise a dead
		// gateway would keep transactions submitted forever.
		return s.consumePoll(ctx, pt)
	}

	switch status {
	case chain.ExternalPending:
		return s.consumePoll(ctx, pt)
	case chain.ExternalConfirmed:
		won, err := s.store.ClaimTerminal(ctx, pt.ID, domain.TxConfirmed, "")
		if err != nil {
			return false, err
		}
		if won {
			s.runHandler(ctx, pt, true)
		}
		return won, nil
	case chain.ExternalFailed:
		if reason == "" {
			reason = "rejected by external ledger"
		}
		s.fail(ctx, pt, reason)
		return true, nil
	default:
		return false, fmt.Errorf("tracker.pollOne: unexpected external status %q", status)
	}
}

func (s *TrackerService) consumePoll(ctx context.Context, pt *domain.PendingTransaction) (bool, error) {
	if pt.PollCount+1 >= s.cfg.Engine.MaxPollAttempts {
		s.fail(ctx, pt, domain.ErrTxTimeout.Error())
		return true, nil
	}
	return false, s.store.RecordPoll(ctx, pt.ID)
}

// fail moves pt to failed and, if this call won the claim, runs the revert
// handler with the failure reason attached.
func (s *TrackerService) fail(ctx context.Context, pt *domain.PendingTransaction, reason string) {
	won, err := s.store.ClaimTerminal(ctx, pt.ID, domain.TxFailed, reason)
	if err != nil {
		slog.Error("claim failed state", "tx_id", pt.ID, "error", err)
		return
	}
	if !won {
		return
	}
	slog.Warn("transaction failed", "tx_id", pt.ID, "action", pt.Action, "reason", reason)
	pt.LastError = reason
	s.runHandler(ctx, pt, false)
}

func (s *TrackerService) runHandler(ctx context.Context, pt *domain.PendingTransaction, confirmed bool) {
	h, ok := s.handlers[pt.Action]
	if !ok {
		slog.Error("no handler registered", "action", pt.Action, "tx_id", pt.ID)
		return
	}
	fn := h.Revert
	if confirmed {
		fn = h.Apply
	}
	if fn == nil {
		return
	}
	if err := fn(ctx, pt); err != nil {
		// The claim already happened, so this effect will not re-run on its
		// own. Surface loudly for the back office.
		slog.Error("handler failed after terminal claim",
			"tx_id", pt.ID, "action", pt.Action, "confirmed", confirmed, "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Manual controls (back office)
// ──────────────────────────────────────────────────────────────────────────────

// Retry resets a failed transaction back to pending so the submit loop picks
// it up again.
func (s *TrackerService) Retry(ctx context.Context, id uuid.UUID) error {
	if err := s.store.ResetForRetry(ctx, id); err != nil {
		return err
	}
	slog.Info("transaction reset for retry", "tx_id", id)
	return nil
}

// Cancel abandons a transaction that was never submitted.
func (s *TrackerService) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.store.CancelPending(ctx, id); err != nil {
		return err
	}
	slog.Info("transaction cancelled", "tx_id", id)
	return nil
}

// Get returns one pending transaction by ID.
func (s *TrackerService) Get(ctx context.Context, id uuid.UUID) (*domain.PendingTransaction, error) {
	return s.store.GetByID(ctx, id)
}
