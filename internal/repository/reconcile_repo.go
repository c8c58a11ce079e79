package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vantal/coverpool/internal/domain"
)

// ReconcileRepository persists reconciliation output: discrepancy records and
// the recomputed pool metrics cache.
type ReconcileRepository struct {
	db *sqlx.DB
}

// NewReconcileRepository creates a new ReconcileRepository.
func NewReconcileRepository(db *sqlx.DB) *ReconcileRepository {
	return &ReconcileRepository{db: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// Discrepancies
// ──────────────────────────────────────────────────────────────────────────────

// InsertDiscrepancy records one mismatch between internal and external
// aggregates.
func (r *ReconcileRepository) InsertDiscrepancy(ctx context.Context, d *domain.StateDiscrepancy) error {
	query := `
		INSERT INTO state_discrepancies
			(id, token, kind, internal, external, delta, detected_at, resolved, note)
		VALUES
			(:id, :token, :kind, :internal, :external, :delta, now(), false, :note)`
	if _, err := r.db.NamedExecContext(ctx, query, d); err != nil {
		return fmt.Errorf("reconcile_repo.InsertDiscrepancy: %w", err)
	}
	return nil
}

// ListDiscrepancies returns a page of discrepancies, newest first.
// onlyOpen=true filters out resolved ones.
func (r *ReconcileRepository) ListDiscrepancies(ctx context.Context, onlyOpen bool, limit, offset int) ([]*domain.StateDiscrepancy, error) {
	var ds []*domain.StateDiscrepancy
	var err error
	if onlyOpen {
		err = r.db.SelectContext(ctx, &ds, `
			SELECT * FROM state_discrepancies
			WHERE resolved = false
			ORDER BY detected_at DESC
			LIMIT $1 OFFSET $2`,
			limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &ds, `
			SELECT * FROM state_discrepancies
			ORDER BY detected_at DESC
			LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile_repo.ListDiscrepancies: %w", err)
	}
	return ds, nil
}

// CountOpenDiscrepancies returns the number of unresolved discrepancies.
func (r *ReconcileRepository) CountOpenDiscrepancies(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM state_discrepancies WHERE resolved = false`)
	if err != nil {
		return 0, fmt.Errorf("reconcile_repo.CountOpenDiscrepancies: %w", err)
	}
	return n, nil
}

// ResolveDiscrepancy closes a discrepancy after manual review (admin action).
func (r *ReconcileRepository) ResolveDiscrepancy(ctx context.Context, id uuid.UUID, note string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE state_discrepancies
		SET resolved = true, resolved_at = now(), note = $1
		WHERE id = $2 AND resolved = false`,
		note, id)
	if err != nil {
		return fmt.Errorf("reconcile_repo.ResolveDiscrepancy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTxNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Pool metrics cache
// ──────────────────────────────────────────────────────────────────────────────

// SavePoolMetrics upserts the recomputed per-token aggregate. The cache is
// replaced wholesale, never patched.
func (r *ReconcileRepository) SavePoolMetrics(ctx context.Context, m *domain.PoolMetrics) error {
	tiers, err := json.Marshal(m.Tiers)
	if err != nil {
		return fmt.Errorf("reconcile_repo.SavePoolMetrics marshal tiers: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pool_metrics
			(token, total_deposited, current_balance, total_available, total_allocated,
			 earned_premium, pending_premium, settlement_losses,
			 utilization_rate, average_yield, tiers, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (token) DO UPDATE SET
			total_deposited   = EXCLUDED.total_deposited,
			current_balance   = EXCLUDED.current_balance,
			total_available   = EXCLUDED.total_available,
			total_allocated   = EXCLUDED.total_allocated,
			earned_premium    = EXCLUDED.earned_premium,
			pending_premium   = EXCLUDED.pending_premium,
			settlement_losses = EXCLUDED.settlement_losses,
			utilization_rate  = EXCLUDED.utilization_rate,
			average_yield     = EXCLUDED.average_yield,
			tiers             = EXCLUDED.tiers,
			computed_at       = EXCLUDED.computed_at`,
		m.Token, m.TotalDeposited, m.CurrentBalance, m.TotalAvailable, m.TotalAllocated,
		m.EarnedPremium, m.PendingPremium, m.SettlementLosses,
		m.UtilizationRate, m.AverageYield, tiers, m.ComputedAt)
	if err != nil {
		return fmt.Errorf("reconcile_repo.SavePoolMetrics: %w", err)
	}
	return nil
}

// GetPoolMetrics returns the cached aggregate for one token.
func (r *ReconcileRepository) GetPoolMetrics(ctx context.Context, token string) (*domain.PoolMetrics, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT token, total_deposited, current_balance, total_available, total_allocated,
		       earned_premium, pending_premium, settlement_losses,
		       utilization_rate, average_yield, tiers, computed_at
		FROM pool_metrics WHERE token = $1`,
		token)

	var m domain.PoolMetrics
	var tiers []byte
	err := row.Scan(&m.Token, &m.TotalDeposited, &m.CurrentBalance, &m.TotalAvailable,
		&m.TotalAllocated, &m.EarnedPremium, &m.PendingPremium, &m.SettlementLosses,
		&m.UtilizationRate, &m.AverageYield, &tiers, &m.ComputedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMetricsNotFound
		}
		return nil, fmt.Errorf("reconcile_repo.GetPoolMetrics: %w", err)
	}
	if err := json.Unmarshal(tiers, &m.Tiers); err != nil {
		return nil, fmt.Errorf("reconcile_repo.GetPoolMetrics unmarshal tiers: %w", err)
	}
	return &m, nil
}
