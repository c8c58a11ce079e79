package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

// PolicyRepository handles all database operations for policies and their
// allocation rows.
type PolicyRepository struct {
	db *sqlx.DB
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// Policies
// ──────────────────────────────────────────────────────────────────────────────

// Create inserts a new active policy inside the allocation transaction and
// fills in the database-assigned monotonic ID.
func (r *PolicyRepository) Create(ctx context.Context, tx *sqlx.Tx, p *domain.Policy) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO policies
			(owner, counterparty, protected_value, protection_amount, premium,
			 policy_type, collateral_token, settlement_token, expiration_height,
			 status, premium_paid, premium_distributed, settlement_applied,
			 settlement_amount, creation_height, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, false, 0, $12, now(), now())
		RETURNING id`,
		p.Owner, p.Counterparty, p.ProtectedValue, p.ProtectionAmount, p.Premium,
		p.PolicyType, p.CollateralToken, p.SettlementToken, p.ExpirationHeight,
		p.Status, p.PremiumPaid, p.CreationHeight,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("policy_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches one policy.
func (r *PolicyRepository) GetByID(ctx context.Context, id int64) (*domain.Policy, error) {
	var p domain.Policy
	err := r.db.GetContext(ctx, &p, `SELECT * FROM policies WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("policy_repo.GetByID: %w", err)
	}
	return &p, nil
}

// GetByIDForUpdate locks and fetches one policy inside a transaction. Every
// lifecycle transition goes through this lock so transitions on the same
// policy serialize.
func (r *PolicyRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*domain.Policy, error) {
	var p domain.Policy
	err := tx.GetContext(ctx, &p, `SELECT * FROM policies WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("policy_repo.GetByIDForUpdate: %w", err)
	}
	return &p, nil
}

// ListByOwner returns a page of an owner's policies, newest first.
func (r *PolicyRepository) ListByOwner(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*domain.Policy, error) {
	var policies []*domain.Policy
	err := r.db.SelectContext(ctx, &policies, `
		SELECT * FROM policies
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		owner, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("policy_repo.ListByOwner: %w", err)
	}
	return policies, nil
}

// ListExpirable returns IDs of active policies whose expiration height has
// been reached, bounded for one sweep of the expiration loop.
func (r *PolicyRepository) ListExpirable(ctx context.Context, height int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM policies
		WHERE status = $1 AND expiration_height <= $2
		ORDER BY expiration_height, id
		LIMIT $3`,
		domain.PolicyActive, height, limit)
	if err != nil {
		return nil, fmt.Errorf("policy_repo.ListExpirable: %w", err)
	}
	return ids, nil
}

// MarkExercised applies the active→exercised transition with its settlement
// amount. The WHERE clause re-checks the status so a concurrent transition
// loses cleanly.
func (r *PolicyRepository) MarkExercised(ctx context.Context, tx *sqlx.Tx, id int64, settlement decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE policies
		SET status = $1, settlement_amount = $2, resolved_at = now(), updated_at = now()
		WHERE id = $3 AND status = $4`,
		domain.PolicyExercised, settlement, id, domain.PolicyActive)
	if err != nil {
		return fmt.Errorf("policy_repo.MarkExercised: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// MarkExpired applies the active→expired transition.
func (r *PolicyRepository) MarkExpired(ctx context.Context, tx *sqlx.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE policies
		SET status = $1, resolved_at = now(), updated_at = now()
		WHERE id = $2 AND status = $3`,
		domain.PolicyExpired, id, domain.PolicyActive)
	if err != nil {
		return fmt.Errorf("policy_repo.MarkExpired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// MarkSettlementApplied flips the settlement idempotency flag. Returns
// ErrAlreadySettled when the flag was already set, which is the guard that
// makes settlement apply at most once.
func (r *PolicyRepository) MarkSettlementApplied(ctx context.Context, tx *sqlx.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE policies
		SET settlement_applied = true, updated_at = now()
		WHERE id = $1 AND status = $2 AND settlement_applied = false`,
		id, domain.PolicyExercised)
	if err != nil {
		return fmt.Errorf("policy_repo.MarkSettlementApplied: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadySettled
	}
	return nil
}

// MarkPremiumDistributed flips the distribution idempotency flag. Returns
// ErrAlreadyDistributed when a distribution was already recorded.
func (r *PolicyRepository) MarkPremiumDistributed(ctx context.Context, tx *sqlx.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE policies
		SET premium_distributed = true, updated_at = now()
		WHERE id = $1 AND status = $2 AND premium_distributed = false`,
		id, domain.PolicyExpired)
	if err != nil {
		return fmt.Errorf("policy_repo.MarkPremiumDistributed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyDistributed
	}
	return nil
}

// CountByStatus returns policy counts grouped by status for the dashboard.
func (r *PolicyRepository) CountByStatus(ctx context.Context) (map[domain.PolicyStatus]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM policies GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("policy_repo.CountByStatus: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PolicyStatus]int)
	for rows.Next() {
		var status domain.PolicyStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("policy_repo.CountByStatus scan: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ──────────────────────────────────────────────────────────────────────────────
// Allocations
// ──────────────────────────────────────────────────────────────────────────────

// InsertAllocations writes the full allocation plan inside the allocation
// transaction.
func (r *PolicyRepository) InsertAllocations(ctx context.Context, tx *sqlx.Tx, plan []domain.PolicyAllocation) error {
	query := `
		INSERT INTO policy_allocations
			(id, policy_id, provider_id, token, risk_tier, amount, premium_share, position, created_at)
		VALUES
			(:id, :policy_id, :provider_id, :token, :risk_tier, :amount, :premium_share, :position, now())`
	for i := range plan {
		if _, err := tx.NamedExecContext(ctx, query, plan[i]); err != nil {
			return fmt.Errorf("policy_repo.InsertAllocations: %w", err)
		}
	}
	return nil
}

// GetAllocations returns the allocation plan for one policy in insertion
// order (the deterministic plan order).
func (r *PolicyRepository) GetAllocations(ctx context.Context, policyID int64) ([]domain.PolicyAllocation, error) {
	var allocations []domain.PolicyAllocation
	err := r.db.SelectContext(ctx, &allocations, `
		SELECT * FROM policy_allocations
		WHERE policy_id = $1
		ORDER BY position`,
		policyID)
	if err != nil {
		return nil, fmt.Errorf("policy_repo.GetAllocations: %w", err)
	}
	return allocations, nil
}

// SumActiveAllocations returns, per provider, the total collateral locked by
// still-active policies for one token. Reconciliation compares this against
// each provider's allocated_balance.
func (r *PolicyRepository) SumActiveAllocations(ctx context.Context, token string) (map[uuid.UUID]decimal.Decimal, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT pa.provider_id, COALESCE(SUM(pa.amount), 0)
		FROM policy_allocations pa
		JOIN policies p ON p.id = pa.policy_id
		WHERE pa.token = $1 AND p.status = $2
		GROUP BY pa.provider_id`,
		token, domain.PolicyActive)
	if err != nil {
		return nil, fmt.Errorf("policy_repo.SumActiveAllocations: %w", err)
	}
	defer rows.Close()

	sums := make(map[uuid.UUID]decimal.Decimal)
	for rows.Next() {
		var id uuid.UUID
		var total decimal.Decimal
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("policy_repo.SumActiveAllocations scan: %w", err)
		}
		sums[id] = total
	}
	return sums, rows.Err()
}
