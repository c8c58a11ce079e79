package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/vantal/coverpool/internal/domain"
)

// pqUniqueViolation is the PostgreSQL error code raised when the partial
// unique index on in-flight resource keys rejects a second transaction.
const pqUniqueViolation = "23505"

// PendingTxRepository handles all database operations for the external
// transaction lifecycle. Rows are never deleted; confirmed and failed rows
// form the permanent audit trail.
type PendingTxRepository struct {
	db *sqlx.DB
}

// NewPendingTxRepository creates a new PendingTxRepository.
func NewPendingTxRepository(db *sqlx.DB) *PendingTxRepository {
	return &PendingTxRepository{db: db}
}

// Create inserts a new pending transaction inside the transaction that
// applies its guarded internal mutation. A second in-flight row for the same
// resource key trips the partial unique index and surfaces as
// ErrOperationInProgress.
func (r *PendingTxRepository) Create(ctx context.Context, tx *sqlx.Tx, pt *domain.PendingTransaction) error {
	query := `
		INSERT INTO pending_transactions
			(id, action, status, resource_key, payload, external_ref,
			 retry_count, poll_count, last_error, next_attempt_at, created_at, updated_at)
		VALUES
			(:id, :action, :status, :resource_key, :payload, :external_ref,
			 :retry_count, :poll_count, :last_error, now(), now(), now())`
	if _, err := tx.NamedExecContext(ctx, query, pt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return domain.ErrOperationInProgress
		}
		return fmt.Errorf("pendingtx_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches one transaction.
func (r *PendingTxRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PendingTransaction, error) {
	var pt domain.PendingTransaction
	err := r.db.GetContext(ctx, &pt, `SELECT * FROM pending_transactions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTxNotFound
		}
		return nil, fmt.Errorf("pendingtx_repo.GetByID: %w", err)
	}
	return &pt, nil
}

// HasInFlight reports whether an in-flight transaction already blocks the
// resource key. The service pre-checks this before starting work; the unique
// index remains the authoritative guard under races.
func (r *PendingTxRepository) HasInFlight(ctx context.Context, resourceKey string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM pending_transactions
		WHERE resource_key = $1 AND status IN ($2, $3)`,
		resourceKey, domain.TxPending, domain.TxSubmitted)
	if err != nil {
		return false, fmt.Errorf("pendingtx_repo.HasInFlight: %w", err)
	}
	return n > 0, nil
}

// ListDueSubmissions returns pending transactions whose backoff window has
// elapsed, oldest first, bounded for one tick of the submit loop.
func (r *PendingTxRepository) ListDueSubmissions(ctx context.Context, limit int) ([]*domain.PendingTransaction, error) {
	var txs []*domain.PendingTransaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT * FROM pending_transactions
		WHERE status = $1 AND next_attempt_at <= now()
		ORDER BY created_at
		LIMIT $2`,
		domain.TxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pendingtx_repo.ListDueSubmissions: %w", err)
	}
	return txs, nil
}

// ListSubmitted returns submitted transactions awaiting confirmation, oldest
// first, bounded for one tick of the poll loop.
func (r *PendingTxRepository) ListSubmitted(ctx context.Context, limit int) ([]*domain.PendingTransaction, error) {
	var txs []*domain.PendingTransaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT * FROM pending_transactions
		WHERE status = $1
		ORDER BY updated_at
		LIMIT $2`,
		domain.TxSubmitted, limit)
	if err != nil {
		return nil, fmt.Errorf("pendingtx_repo.ListSubmitted: %w", err)
	}
	return txs, nil
}

// ListRecent returns a page of transactions for the backoffice audit view,
// optionally filtered by status ("" = all).
func (r *PendingTxRepository) ListRecent(ctx context.Context, status domain.TxStatus, limit, offset int) ([]*domain.PendingTransaction, error) {
	var txs []*domain.PendingTransaction
	var err error
	if status != "" {
		err = r.db.SelectContext(ctx, &txs, `
			SELECT * FROM pending_transactions
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`,
			status, limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &txs, `
			SELECT * FROM pending_transactions
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("pendingtx_repo.ListRecent: %w", err)
	}
	return txs, nil
}

// CountInFlight returns how many transactions are pending or submitted.
func (r *PendingTxRepository) CountInFlight(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM pending_transactions
		WHERE status IN ($1, $2)`,
		domain.TxPending, domain.TxSubmitted)
	if err != nil {
		return 0, fmt.Errorf("pendingtx_repo.CountInFlight: %w", err)
	}
	return n, nil
}

// MarkSubmitted records the ledger-assigned reference and moves the row to
// submitted. Conditional on still being pending so a concurrent cancel wins
// cleanly.
func (r *PendingTxRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, externalRef string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET status = $1, external_ref = $2, poll_count = 0, updated_at = now()
		WHERE id = $3 AND status = $4`,
		domain.TxSubmitted, externalRef, id, domain.TxPending)
	if err != nil {
		return fmt.Errorf("pendingtx_repo.MarkSubmitted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTxNotFound
	}
	return nil
}

// RecordRetry increments the retry counter after a transient submission
// failure and schedules the next attempt.
func (r *PendingTxRepository) RecordRetry(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET retry_count = retry_count + 1, last_error = $1, next_attempt_at = $2, updated_at = now()
		WHERE id = $3`,
		lastError, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("pendingtx_repo.RecordRetry: %w", err)
	}
	return nil
}

// RecordPoll increments the poll counter after an inconclusive status check.
func (r *PendingTxRepository) RecordPoll(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET poll_count = poll_count + 1, updated_at = now()
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("pendingtx_repo.RecordPoll: %w", err)
	}
	return nil
}

// ClaimTerminal atomically moves an in-flight transaction to a terminal
// status and reports whether this caller won the claim. Apply/revert
// handlers only run for the winner, which is what makes their side effects
// at-most-once even under redundant poll triggers.
func (r *PendingTxRepository) ClaimTerminal(ctx context.Context, id uuid.UUID, to domain.TxStatus, reason string) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("pendingtx_repo.ClaimTerminal: %q is not terminal", to)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET status = $1, last_error = $2, resolved_at = now(), updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)`,
		to, reason, id, domain.TxPending, domain.TxSubmitted)
	if err != nil {
		return false, fmt.Errorf("pendingtx_repo.ClaimTerminal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelPending fails a transaction that has not been submitted yet. Once
// submitted the external system is the authority and cancellation is refused.
func (r *PendingTxRepository) CancelPending(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET status = $1, last_error = 'cancelled', resolved_at = now(), updated_at = now()
		WHERE id = $2 AND status = $3`,
		domain.TxFailed, id, domain.TxPending)
	if err != nil {
		return fmt.Errorf("pendingtx_repo.CancelPending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTxNotCancellable
	}
	return nil
}

// ResetForRetry puts a failed transaction back to pending for a manual
// backoffice retry, clearing its counters.
func (r *PendingTxRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET status = $1, retry_count = 0, poll_count = 0, external_ref = '',
		    last_error = '', next_attempt_at = now(), resolved_at = NULL, updated_at = now()
		WHERE id = $2 AND status = $3`,
		domain.TxPending, id, domain.TxFailed)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return domain.ErrOperationInProgress
		}
		return fmt.Errorf("pendingtx_repo.ResetForRetry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTxNotFound
	}
	return nil
}
