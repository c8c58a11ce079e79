package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vantal/coverpool/internal/domain"
)

// ProviderRepository handles all database operations for provider balances
// and their audit entries.
type ProviderRepository struct {
	db *sqlx.DB
}

// NewProviderRepository creates a new ProviderRepository.
func NewProviderRepository(db *sqlx.DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

// GetBalance fetches the balance record for one (provider, token) pair.
func (r *ProviderRepository) GetBalance(ctx context.Context, providerID uuid.UUID, token string) (*domain.ProviderBalance, error) {
	var b domain.ProviderBalance
	err := r.db.GetContext(ctx, &b,
		`SELECT * FROM provider_balances WHERE provider_id = $1 AND token = $2`,
		providerID, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProviderNotFound
		}
		return nil, fmt.Errorf("provider_repo.GetBalance: %w", err)
	}
	return &b, nil
}

// GetBalanceForUpdate locks and fetches one balance row inside a transaction.
func (r *ProviderRepository) GetBalanceForUpdate(ctx context.Context, tx *sqlx.Tx, providerID uuid.UUID, token string) (*domain.ProviderBalance, error) {
	var b domain.ProviderBalance
	err := tx.GetContext(ctx, &b,
		`SELECT * FROM provider_balances WHERE provider_id = $1 AND token = $2 FOR UPDATE`,
		providerID, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProviderNotFound
		}
		return nil, fmt.Errorf("provider_repo.GetBalanceForUpdate: %w", err)
	}
	return &b, nil
}

// ListEligibleForUpdate locks and returns every balance row for token with
// available funds, inside the allocation transaction. Rows are locked in
// provider_id order so concurrent allocations cannot deadlock against each
// other.
func (r *ProviderRepository) ListEligibleForUpdate(ctx context.Context, tx *sqlx.Tx, token string) ([]domain.ProviderBalance, error) {
	var balances []domain.ProviderBalance
	err := tx.SelectContext(ctx, &balances, `
		SELECT * FROM provider_balances
		WHERE token = $1 AND available_balance > 0
		ORDER BY provider_id
		FOR UPDATE`,
		token)
	if err != nil {
		return nil, fmt.Errorf("provider_repo.ListEligibleForUpdate: %w", err)
	}
	return balances, nil
}

// ListByToken returns every balance record for a token (read-only snapshot,
// used by metrics and reconciliation folds).
func (r *ProviderRepository) ListByToken(ctx context.Context, token string) ([]domain.ProviderBalance, error) {
	var balances []domain.ProviderBalance
	err := r.db.SelectContext(ctx, &balances,
		`SELECT * FROM provider_balances WHERE token = $1 ORDER BY provider_id`, token)
	if err != nil {
		return nil, fmt.Errorf("provider_repo.ListByToken: %w", err)
	}
	return balances, nil
}

// CreateBalance inserts a fresh zero balance row for a provider's first
// deposit. The risk tier is fixed at creation.
func (r *ProviderRepository) CreateBalance(ctx context.Context, tx *sqlx.Tx, b *domain.ProviderBalance) error {
	query := `
		INSERT INTO provider_balances
			(provider_id, token, total_deposited, current_balance, available_balance,
			 allocated_balance, risk_tier, earned_premium, pending_premium,
			 settlement_losses, last_updated)
		VALUES
			(:provider_id, :token, :total_deposited, :current_balance, :available_balance,
			 :allocated_balance, :risk_tier, :earned_premium, :pending_premium,
			 :settlement_losses, now())`
	if _, err := tx.NamedExecContext(ctx, query, b); err != nil {
		return fmt.Errorf("provider_repo.CreateBalance: %w", err)
	}
	return nil
}

// SaveBalance writes back every monetary column of a locked balance row.
// Callers mutate the domain struct through the ledger primitives and persist
// the result in one statement, so the row always reflects a complete,
// conservation-checked state.
func (r *ProviderRepository) SaveBalance(ctx context.Context, tx *sqlx.Tx, b *domain.ProviderBalance) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE provider_balances
		SET total_deposited   = $1,
		    current_balance   = $2,
		    available_balance = $3,
		    allocated_balance = $4,
		    earned_premium    = $5,
		    pending_premium   = $6,
		    settlement_losses = $7,
		    last_updated      = now()
		WHERE provider_id = $8 AND token = $9`,
		b.TotalDeposited, b.CurrentBalance, b.AvailableBalance, b.AllocatedBalance,
		b.EarnedPremium, b.PendingPremium, b.SettlementLosses,
		b.ProviderID, b.Token)
	if err != nil {
		return fmt.Errorf("provider_repo.SaveBalance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProviderNotFound
	}
	return nil
}

// LogEntry inserts an immutable audit record inside the same transaction as
// the balance mutation it describes.
func (r *ProviderRepository) LogEntry(ctx context.Context, tx *sqlx.Tx, e *domain.BalanceEntry) error {
	query := `
		INSERT INTO balance_entries
			(id, provider_id, token, type, amount, balance_before, balance_after,
			 policy_id, description, created_at)
		VALUES
			(:id, :provider_id, :token, :type, :amount, :balance_before, :balance_after,
			 :policy_id, :description, now())`
	if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("provider_repo.LogEntry: %w", err)
	}
	return nil
}

// GetEntries returns paginated audit history for one provider, newest first.
func (r *ProviderRepository) GetEntries(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*domain.BalanceEntry, error) {
	var entries []*domain.BalanceEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM balance_entries
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		providerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("provider_repo.GetEntries: %w", err)
	}
	return entries, nil
}
