package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vantal/coverpool/internal/domain"
)

// DistributionRepository handles the per-(policy, provider) premium
// distribution records. Record statuses move pending → processing →
// completed: pending while the distribution awaits external confirmation,
// processing once the premium sits in the provider's pending balance, and
// completed when the provider claims it into earned premium.
type DistributionRepository struct {
	db *sqlx.DB
}

// NewDistributionRepository creates a new DistributionRepository.
func NewDistributionRepository(db *sqlx.DB) *DistributionRepository {
	return &DistributionRepository{db: db}
}

// InsertMany writes the distribution records for one policy inside the
// distribution transaction.
func (r *DistributionRepository) InsertMany(ctx context.Context, tx *sqlx.Tx, ds []domain.PremiumDistribution) error {
	query := `
		INSERT INTO premium_distributions
			(id, policy_id, provider_id, token, amount, status, created_at)
		VALUES
			(:id, :policy_id, :provider_id, :token, :amount, :status, now())`
	for i := range ds {
		if _, err := tx.NamedExecContext(ctx, query, ds[i]); err != nil {
			return fmt.Errorf("distribution_repo.InsertMany: %w", err)
		}
	}
	return nil
}

// ListByPolicy returns all distribution records for one policy.
func (r *DistributionRepository) ListByPolicy(ctx context.Context, policyID int64) ([]domain.PremiumDistribution, error) {
	var ds []domain.PremiumDistribution
	err := r.db.SelectContext(ctx, &ds, `
		SELECT * FROM premium_distributions
		WHERE policy_id = $1
		ORDER BY created_at, id`,
		policyID)
	if err != nil {
		return nil, fmt.Errorf("distribution_repo.ListByPolicy: %w", err)
	}
	return ds, nil
}

// MarkProcessingForPolicy advances all of a policy's pending records once the
// external distribution confirms and the premium reaches the providers'
// pending balances.
func (r *DistributionRepository) MarkProcessingForPolicy(ctx context.Context, tx *sqlx.Tx, policyID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE premium_distributions
		SET status = $1
		WHERE policy_id = $2 AND status = $3`,
		domain.DistributionProcessing, policyID, domain.DistributionPending)
	if err != nil {
		return fmt.Errorf("distribution_repo.MarkProcessingForPolicy: %w", err)
	}
	return nil
}

// ClaimableForUpdate locks and returns one provider's processing records for
// one token. The conditional status in the WHERE clause is the idempotency
// key: a record can only be claimed once.
func (r *DistributionRepository) ClaimableForUpdate(ctx context.Context, tx *sqlx.Tx, providerID uuid.UUID, token string) ([]domain.PremiumDistribution, error) {
	var ds []domain.PremiumDistribution
	err := tx.SelectContext(ctx, &ds, `
		SELECT * FROM premium_distributions
		WHERE provider_id = $1 AND token = $2 AND status = $3
		ORDER BY created_at, id
		FOR UPDATE`,
		providerID, token, domain.DistributionProcessing)
	if err != nil {
		return nil, fmt.Errorf("distribution_repo.ClaimableForUpdate: %w", err)
	}
	return ds, nil
}

// Complete finishes one claimed record.
func (r *DistributionRepository) Complete(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE premium_distributions
		SET status = $1, completed_at = now()
		WHERE id = $2 AND status = $3`,
		domain.DistributionCompleted, id, domain.DistributionProcessing)
	if err != nil {
		return fmt.Errorf("distribution_repo.Complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyDistributed
	}
	return nil
}
