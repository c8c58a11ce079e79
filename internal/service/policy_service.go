package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
)

// PolicyService drives the policy lifecycle: owner-initiated exercise and the
// backend expiration sweep. State transitions commit locally together with
// the PendingTransaction that mirrors them to the external ledger; the
// financial effects land later, when the tracker confirms.
type PolicyService struct {
	db          *sqlx.DB
	policyRepo  *repository.PolicyRepository
	txRepo      *repository.PendingTxRepository
	oracle      chain.Oracle
	heights     chain.HeightSource
	cfg         *config.Config
	broadcaster Broadcaster
}

// NewPolicyService creates a PolicyService.
func NewPolicyService(
	db *sqlx.DB,
	policyRepo *repository.PolicyRepository,
	txRepo *repository.PendingTxRepository,
	oracle chain.Oracle,
	heights chain.HeightSource,
	cfg *config.Config,
) *PolicyService {
	return &PolicyService{
		db:         db,
		policyRepo: policyRepo,
		txRepo:     txRepo,
		oracle:     oracle,
		heights:    heights,
		cfg:        cfg,
	}
}

// SetBroadcaster injects the WS hub dependency post-construction.
func (s *PolicyService) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// Exercise settles an in-the-money policy at the oracle's current price. Only
// the owner may exercise, only while active and before expiration. The policy
// flips to exercised immediately; collateral consumption waits for the
// external settlement confirmation.
func (s *PolicyService) Exercise(ctx context.Context, actor domain.Actor, policyID int64) (*domain.Policy, *domain.PendingTransaction, error) {
	// Pre-check outside the transaction: a live settlement for this policy
	// means the unique index would reject us anyway.
	inFlight, err := s.txRepo.HasInFlight(ctx, domain.PolicyResourceKey(policyID))
	if err != nil {
		return nil, nil, fmt.Errorf("policy_service.Exercise: %w", err)
	}
	if inFlight {
		return nil, nil, domain.ErrOperationInProgress
	}

	peek, err := s.policyRepo.GetByID(ctx, policyID)
	if err != nil {
		return nil, nil, err
	}
	price, height, err := s.oracle.CurrentPrice(ctx, peek.SettlementToken)
	if err != nil {
		return nil, nil, fmt.Errorf("policy_service.Exercise: oracle: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("policy_service.Exercise: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	policy, err := s.policyRepo.GetByIDForUpdate(ctx, tx, policyID)
	if err != nil {
		return nil, nil, err
	}
	if err = policy.ValidateExercise(actor, height, price); err != nil {
		return nil, nil, err
	}

	settlement := policy.CalcSettlement(price)
	if err = s.policyRepo.MarkExercised(ctx, tx, policyID, settlement); err != nil {
		return nil, nil, err
	}
	policy.Status = domain.PolicyExercised
	policy.SettlementAmount = settlement

	payload, err := domain.EncodePayload(&domain.SettlePayload{
		PolicyID:   policyID,
		Owner:      policy.Owner,
		Token:      policy.SettlementToken,
		Settlement: settlement,
		Price:      price,
		Height:     height,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("policy_service.Exercise: %w", err)
	}
	pt := &domain.PendingTransaction{
		ID:          uuid.New(),
		Action:      domain.ActionSettle,
		Status:      domain.TxPending,
		ResourceKey: domain.PolicyResourceKey(policyID),
		Payload:     payload,
	}
	if err = s.txRepo.Create(ctx, tx, pt); err != nil {
		return nil, nil, fmt.Errorf("policy_service.Exercise: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("policy_service.Exercise: commit: %w", err)
	}

	slog.Info("policy exercised",
		"policy_id", policyID,
		"price", price.String(),
		"settlement", settlement.String(),
		"height", height)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastPolicyExercised(policy)
	}
	return policy, pt, nil
}

// ExpirePoliciesBatch moves each policy past its expiration height to the
// expired state and queues the external expiration for it. Results are
// per-policy: one failure never aborts the rest of the batch.
func (s *PolicyService) ExpirePoliciesBatch(ctx context.Context, policyIDs []int64) []domain.ExpireResult {
	results := make([]domain.ExpireResult, 0, len(policyIDs))
	height, err := s.heights.CurrentHeight(ctx)
	if err != nil {
		// Without a height nothing can be validated; fail the whole batch
		// uniformly so the sweep retries on the next tick.
		for _, id := range policyIDs {
			results = append(results, domain.ExpireResult{PolicyID: id, Error: err.Error()})
		}
		return results
	}

	for _, id := range policyIDs {
		res := domain.ExpireResult{PolicyID: id}
		if err := s.expireOne(ctx, id, height); err != nil {
			res.Error = err.Error()
			slog.Warn("policy expiration skipped", "policy_id", id, "error", err)
		} else {
			res.Expired = true
		}
		results = append(results, res)
	}
	return results
}

func (s *PolicyService) expireOne(ctx context.Context, policyID, height int64) (err error) {
	inFlight, err := s.txRepo.HasInFlight(ctx, domain.PolicyResourceKey(policyID))
	if err != nil {
		return fmt.Errorf("policy_service.expireOne: %w", err)
	}
	if inFlight {
		return domain.ErrOperationInProgress
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("policy_service.expireOne: begin tx: %w", err)
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
	if err = policy.ValidateExpire(domain.BackendActor, height); err != nil {
		return err
	}
	if err = s.policyRepo.MarkExpired(ctx, tx, policyID); err != nil {
		return err
	}
	policy.Status = domain.PolicyExpired

	payload, err := domain.EncodePayload(&domain.ExpirePayload{PolicyID: policyID, Height: height})
	if err != nil {
		return fmt.Errorf("policy_service.expireOne: %w", err)
	}
	pt := &domain.PendingTransaction{
		ID:          uuid.New(),
		Action:      domain.ActionExpire,
		Status:      domain.TxPending,
		ResourceKey: domain.PolicyResourceKey(policyID),
		Payload:     payload,
	}
	if err = s.txRepo.Create(ctx, tx, pt); err != nil {
		return fmt.Errorf("policy_service.expireOne: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("policy_service.expireOne: commit: %w", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastPolicyExpired(policy)
	}
	return nil
}

// SweepExpired finds policies past their expiration height and expires them
// in one batch. Called by the scheduler on a ticker.
func (s *PolicyService) SweepExpired(ctx context.Context) ([]domain.ExpireResult, error) {
	height, err := s.heights.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy_service.SweepExpired: height: %w", err)
	}
	ids, err := s.policyRepo.ListExpirable(ctx, height, s.cfg.Engine.ExpireBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("policy_service.SweepExpired: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slog.Info("expiration sweep", "height", height, "candidates", len(ids))
	return s.ExpirePoliciesBatch(ctx, ids), nil
}
