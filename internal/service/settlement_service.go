package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
)

// SettlementService applies the financial effects of confirmed lifecycle
// transitions: collateral consumption and release on settlement, collateral
// release on expiration, and premium distribution across the allocation plan.
// Its Apply*/Revert* methods run as tracker handlers — each call happens at
// most once per pending transaction, guarded by ClaimTerminal.
type SettlementService struct {
	db            *sqlx.DB
	policyRepo    *repository.PolicyRepository
	providerRepo  *repository.ProviderRepository
	distRepo      *repository.DistributionRepository
	txRepo        *repository.PendingTxRepository
	reconcileRepo *repository.ReconcileRepository
	cfg           *config.Config
	broadcaster   Broadcaster
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(
	db *sqlx.DB,
	policyRepo *repository.PolicyRepository,
	providerRepo *repository.ProviderRepository,
	distRepo *repository.DistributionRepository,
	txRepo *repository.PendingTxRepository,
	reconcileRepo *repository.ReconcileRepository,
	cfg *config.Config,
) *SettlementService {
	return &SettlementService{
		db:            db,
		policyRepo:    policyRepo,
		providerRepo:  providerRepo,
		distRepo:      distRepo,
		txRepo:        txRepo,
		reconcileRepo: reconcileRepo,
		cfg:           cfg,
	}
}

// SetBroadcaster injects the WS hub dependency post-construction.
func (s *SettlementService) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// ──────────────────────────────────────────────────────────────────────────────
// Settlement (exercise confirmed)
// ──────────────────────────────────────────────────────────────────────────────

// ApplySettlement consumes collateral across the allocation plan once the
// external settlement confirms. Each provider loses its floored proportional
// share (the remainder goes per the configured policy) and gets the unused
// remainder of its lock released back to available. Idempotent via the
// settlement_applied guard on the policy row.
func (s *SettlementService) ApplySettlement(ctx context.Context, pt *domain.PendingTransaction) (err error) {
	raw, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("settlement_service.ApplySettlement: %w", err)
	}
	payload := raw.(*domain.SettlePayload)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement_service.ApplySettlement: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Lock the policy row first; it serialises settlement against any
	// concurrent distribution or reconciliation of the same policy.
	if _, err = s.policyRepo.GetByIDForUpdate(ctx, tx, payload.PolicyID); err != nil {
		return err
	}
	if err = s.policyRepo.MarkSettlementApplied(ctx, tx, payload.PolicyID); err != nil {
		return err
	}

	allocations, err := s.policyRepo.GetAllocations(ctx, payload.PolicyID)
	if err != nil {
		return err
	}
	shares, err := domain.ApportionSettlement(allocations, payload.Settlement, s.cfg.Engine.SettlementRemainder)
	if err != nil {
		return err
	}

	// Provider rows always lock in provider_id order.
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].ProviderID.String() < shares[j].ProviderID.String()
	})
	for _, share := range shares {
		if err = s.applyShare(ctx, tx, payload, share); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("settlement_service.ApplySettlement: commit: %w", err)
	}
	slog.Info("settlement applied",
		"policy_id", payload.PolicyID,
		"settlement", payload.Settlement.String(),
		"providers", len(shares))
	return nil
}

func (s *SettlementService) applyShare(ctx context.Context, tx *sqlx.Tx, payload *domain.SettlePayload, share domain.SettlementShare) error {
	balance, err := s.providerRepo.GetBalanceForUpdate(ctx, tx, share.ProviderID, payload.Token)
	if err != nil {
		if domain.IsNotFound(err) {
			// A live allocation must have a balance row behind it.
			return fmt.Errorf("settlement_service: provider %s missing for policy %d: %w",
				share.ProviderID, payload.PolicyID, domain.ErrDataIntegrity)
		}
		return err
	}

	if share.Consumed.IsPositive() {
		before := balance.CurrentBalance
		if err := balance.ConsumeAllocated(share.Consumed); err != nil {
			return fmt.Errorf("settlement_service: consume for policy %d: %w", payload.PolicyID, err)
		}
		if err := s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}
		entry := newEntry(balance, domain.EntrySettlementLoss, share.Consumed, before,
			ptrInt64(payload.PolicyID), "collateral consumed by settlement")
		if err := s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	if share.Released.IsPositive() {
		before := balance.CurrentBalance
		if err := balance.MoveAllocatedToAvailable(share.Released); err != nil {
			return fmt.Errorf("settlement_service: release for policy %d: %w", payload.PolicyID, err)
		}
		if err := s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}
		entry := newEntry(balance, domain.EntryCollateralFree, share.Released, before,
			ptrInt64(payload.PolicyID), "unused collateral released after settlement")
		if err := s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// RevertSettle handles an externally failed settlement. The policy is already
// exercised locally and cannot be rolled back to active, so the mismatch is
// flagged for the back office instead of being silently unwound.
func (s *SettlementService) RevertSettle(ctx context.Context, pt *domain.PendingTransaction) error {
	raw, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("settlement_service.RevertSettle: %w", err)
	}
	payload := raw.(*domain.SettlePayload)
	return s.flagDivergence(ctx, pt, payload.Token,
		fmt.Sprintf("external settlement failed for exercised policy %d: %s", payload.PolicyID, pt.LastError))
}

// ──────────────────────────────────────────────────────────────────────────────
// Expiration (expire confirmed)
// ──────────────────────────────────────────────────────────────────────────────

// ApplyExpire releases every allocation of an expired policy back to the
// providers' available balances. No collateral is consumed.
func (s *SettlementService) ApplyExpire(ctx context.Context, pt *domain.PendingTransaction) (err error) {
	raw, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("settlement_service.ApplyExpire: %w", err)
	}
	payload := raw.(*domain.ExpirePayload)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement_service.ApplyExpire: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = s.policyRepo.GetByIDForUpdate(ctx, tx, payload.PolicyID); err != nil {
		return err
	}
	allocations, err := s.policyRepo.GetAllocations(ctx, payload.PolicyID)
	if err != nil {
		return err
	}
	sort.Slice(allocations, func(i, j int) bool {
		return allocations[i].ProviderID.String() < allocations[j].ProviderID.String()
	})
	for _, alloc := range allocations {
		balance, err := s.providerRepo.GetBalanceForUpdate(ctx, tx, alloc.ProviderID, alloc.Token)
		if err != nil {
			if domain.IsNotFound(err) {
				return fmt.Errorf("settlement_service: provider %s missing for policy %d: %w",
					alloc.ProviderID, payload.PolicyID, domain.ErrDataIntegrity)
			}
			return err
		}
		before := balance.CurrentBalance
		if err = balance.MoveAllocatedToAvailable(alloc.Amount); err != nil {
			return fmt.Errorf("settlement_service: release for policy %d: %w", payload.PolicyID, err)
		}
		if err = s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}
		entry := newEntry(balance, domain.EntryCollateralFree, alloc.Amount, before,
			ptrInt64(payload.PolicyID), "collateral released at expiration")
		if err = s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("settlement_service.ApplyExpire: commit: %w", err)
	}
	slog.Info("collateral released", "policy_id", payload.PolicyID, "providers", len(allocations))

	// The policy is now fully wound down; kick off premium distribution.
	if err := s.DistributePremium(ctx, payload.PolicyID); err != nil && !domain.IsConflict(err) {
		slog.Error("premium distribution enqueue failed", "policy_id", payload.PolicyID, "error", err)
	}
	return nil
}

// RevertExpire flags an externally failed expiration for manual review. The
// policy stays expired locally; its collateral stays locked until resolved.
func (s *SettlementService) RevertExpire(ctx context.Context, pt *domain.PendingTransaction) error {
	raw, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("settlement_service.RevertExpire: %w", err)
	}
	payload := raw.(*domain.ExpirePayload)
	policy, err := s.policyRepo.GetByID(ctx, payload.PolicyID)
	if err != nil {
		return err
	}
	return s.flagDivergence(ctx, pt, policy.CollateralToken,
		fmt.Sprintf("external expiration failed for policy %d: %s", payload.PolicyID, pt.LastError))
}

// ──────────────────────────────────────────────────────────────────────────────
// Premium distribution (expiration wind-down)
// ──────────────────────────────────────────────────────────────────────────────

// DistributePremium writes the pending distribution records for an expired
// policy's premium shares and queues the external payout. Providers see the
// premium in their balance only after the payout confirms.
func (s *SettlementService) DistributePremium(ctx context.Context, policyID int64) (err error) {
	inFlight, err := s.txRepo.HasInFlight(ctx, domain.PolicyResourceKey(policyID))
	if err != nil {
		return fmt.Errorf("settlement_service.DistributePremium: %w", err)
	}
	if inFlight {
		return domain.ErrOperationInProgress
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement_service.DistributePremium: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	policy, err := s.policyRepo.GetByIDForUpdate(ctx, tx, policyID)
	if err != nil {
		return err
	}
	if policy.Status != domain.PolicyExpired {
		return domain.ErrInvalidTransition
	}
	if err = s.policyRepo.MarkPremiumDistributed(ctx, tx, policyID); err != nil {
		return err
	}

	allocations, err := s.policyRepo.GetAllocations(ctx, policyID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	distributions := make([]domain.PremiumDistribution, 0, len(allocations))
	for _, alloc := range allocations {
		if !alloc.PremiumShare.IsPositive() {
			continue
		}
		distributions = append(distributions, domain.PremiumDistribution{
			ID:         uuid.New(),
			PolicyID:   policyID,
			ProviderID: alloc.ProviderID,
			Token:      alloc.Token,
			Amount:     alloc.PremiumShare,
			Status:     domain.DistributionPending,
			CreatedAt:  now,
		})
	}
	if err = s.distRepo.InsertMany(ctx, tx, distributions); err != nil {
		return err
	}

	payload, err := domain.EncodePayload(&domain.DistributePremiumPayload{
		PolicyID: policyID,
		Token:    policy.CollateralToken,
		Premium:  policy.Premium,
	})
	if err != nil {
		return fmt.Errorf("settlement_service.DistributePremium: %w", err)
	}
	pt := &domain.PendingTransaction{
		ID:          uuid.New(),
		Action:      domain.ActionDistributePremium,
		Status:      domain.TxPending,
		ResourceKey: domain.PolicyResourceKey(policyID),
		Payload:     payload,
	}
	if err = s.txRepo.Create(ctx, tx, pt); err != nil {
		return fmt.Errorf("settlement_service.DistributePremium: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("settlement_service.DistributePremium: commit: %w", err)
	}
	slog.Info("premium distribution queued",
		"policy_id", policyID,
		"premium", policy.Premium.String(),
		"recipients", len(distributions))
	return nil
}

// ApplyPremiumDistribution credits each provider's share once the external
// payout confirms. The share lands in available balance and is tracked as
// pending premium until the provider claims it, which reclassifies it as
// earned without moving funds again.
func (s *SettlementService) ApplyPremiumDistribution(ctx context.Context, pt *domain.PendingTransaction) (err error) {
	raw, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("settlement_service.ApplyPremiumDistribution: %w", err)
	}
	payload := raw.(*domain.DistributePremiumPayload)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement_service.ApplyPremiumDistribution: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = s.policyRepo.GetByIDForUpdate(ctx, tx, payload.PolicyID); err != nil {
		return err
	}

	distributions, err := s.distRepo.ListByPolicy(ctx, payload.PolicyID)
	if err != nil {
		return err
	}
	sort.Slice(distributions, func(i, j int) bool {
		return distributions[i].ProviderID.String() < distributions[j].ProviderID.String()
	})
	var credited decimal.Decimal
	for _, dist := range distributions {
		if dist.Status != domain.DistributionPending {
			continue
		}
		balance, err := s.providerRepo.GetBalanceForUpdate(ctx, tx, dist.ProviderID, dist.Token)
		if err != nil {
			if domain.IsNotFound(err) {
				return fmt.Errorf("settlement_service: provider %s missing for policy %d: %w",
					dist.ProviderID, payload.PolicyID, domain.ErrDataIntegrity)
			}
			return err
		}
		before := balance.CurrentBalance
		if err = balance.CreditAvailable(dist.Amount); err != nil {
			return fmt.Errorf("settlement_service: credit premium for policy %d: %w", payload.PolicyID, err)
		}
		balance.PendingPremium = balance.PendingPremium.Add(dist.Amount)
		if err = s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
			return err
		}
		entry := newEntry(balance, domain.EntryPremiumPending, dist.Amount, before,
			ptrInt64(payload.PolicyID), "premium share credited, pending claim")
		if err = s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
			return err
		}
		credited = credited.Add(dist.Amount)
	}
	if err = s.distRepo.MarkProcessingForPolicy(ctx, tx, payload.PolicyID); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("settlement_service.ApplyPremiumDistribution: commit: %w", err)
	}
	slog.Info("premium distributed",
		"policy_id", payload.PolicyID,
		"credited", credited.String())
	if s.broadcaster != nil {
		s.broadcaster.BroadcastPremiumDistributed(payload.PolicyID, credited)
	}
	return nil
}

// RevertPremiumDistribution flags an externally failed payout. Distribution
// records stay pending; the back office can reset the transaction for retry.
func (s *SettlementService) RevertPremiumDistribution(ctx context.Context, pt *domain.PendingTransaction) error {
	raw, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("settlement_service.RevertPremiumDistribution: %w", err)
	}
	payload := raw.(*domain.DistributePremiumPayload)
	return s.flagDivergence(ctx, pt, payload.Token,
		fmt.Sprintf("external premium payout failed for policy %d: %s", payload.PolicyID, pt.LastError))
}

// ──────────────────────────────────────────────────────────────────────────────
// Allocation registration (creation mirror)
// ──────────────────────────────────────────────────────────────────────────────

// ApplyAllocate is a no-op: collateral was locked atomically at creation time,
// the external registration only mirrors it.
func (s *SettlementService) ApplyAllocate(ctx context.Context, pt *domain.PendingTransaction) error {
	return nil
}

// RevertAllocate handles a failed external registration of a new policy. The
// collateral stays locked and the case is flagged; unwinding an active policy
// automatically would race with exercise.
func (s *SettlementService) RevertAllocate(ctx context.Context, pt *domain.PendingTransaction) error {
	raw, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("settlement_service.RevertAllocate: %w", err)
	}
	payload := raw.(*domain.AllocatePayload)
	return s.flagDivergence(ctx, pt, payload.Token,
		fmt.Sprintf("external registration failed for policy %d: %s", payload.PolicyID, pt.LastError))
}

// flagDivergence records a discrepancy for a failed external mirror so the
// reconciliation view and back office surface it.
func (s *SettlementService) flagDivergence(ctx context.Context, pt *domain.PendingTransaction, token, note string) error {
	d := &domain.StateDiscrepancy{
		ID:         uuid.New(),
		Token:      token,
		Kind:       domain.DiscrepancyAllocationDrift,
		Internal:   decimal.Zero,
		External:   decimal.Zero,
		Delta:      decimal.Zero,
		DetectedAt: time.Now().UTC(),
		Note:       note,
	}
	if err := s.reconcileRepo.InsertDiscrepancy(ctx, d); err != nil {
		return fmt.Errorf("settlement_service.flagDivergence: %w", err)
	}
	slog.Error("external divergence flagged", "tx_id", pt.ID, "note", note)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastDiscrepancy(d)
	}
	return nil
}
