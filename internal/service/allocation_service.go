package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
)

// ──────────────────────────────────────────────────────────────────────────────
// Interfaces injected into services to avoid import cycles
// ──────────────────────────────────────────────────────────────────────────────

// Broadcaster is the minimal interface the engine services need from the WS
// hub. Implemented by ws.Hub.
type Broadcaster interface {
	BroadcastPolicyCreated(p *domain.Policy)
	BroadcastPolicyExercised(p *domain.Policy)
	BroadcastPolicyExpired(p *domain.Policy)
	BroadcastPremiumDistributed(policyID int64, premium decimal.Decimal)
	BroadcastDiscrepancy(d *domain.StateDiscrepancy)
}

// ──────────────────────────────────────────────────────────────────────────────
// AllocationService
// ──────────────────────────────────────────────────────────────────────────────

// CreatePolicyRequest carries the parameters for a new protection policy.
type CreatePolicyRequest struct {
	Owner            uuid.UUID       `json:"-"`
	PolicyType       domain.PolicyType `json:"policy_type"`
	Token            string          `json:"token"`
	ProtectedValue   decimal.Decimal `json:"protected_value"`
	ProtectionAmount decimal.Decimal `json:"protection_amount"`
	DurationBlocks   int64           `json:"duration_blocks"`
}

// AllocationService creates policies: it quotes the premium, selects
// collateral across the provider pool, and locks it — all inside a single
// PostgreSQL transaction, so a policy either exists fully collateralized or
// not at all.
type AllocationService struct {
	db           *sqlx.DB
	providerRepo *repository.ProviderRepository
	policyRepo   *repository.PolicyRepository
	txRepo       *repository.PendingTxRepository
	quoter       chain.Quoter
	heights      chain.HeightSource
	cfg          *config.Config
	broadcaster  Broadcaster // injected after the WS hub is built
}

// NewAllocationService creates an AllocationService.
func NewAllocationService(
	db *sqlx.DB,
	providerRepo *repository.ProviderRepository,
	policyRepo *repository.PolicyRepository,
	txRepo *repository.PendingTxRepository,
	quoter chain.Quoter,
	heights chain.HeightSource,
	cfg *config.Config,
) *AllocationService {
	return &AllocationService{
		db:           db,
		providerRepo: providerRepo,
		policyRepo:   policyRepo,
		txRepo:       txRepo,
		quoter:       quoter,
		heights:      heights,
		cfg:          cfg,
	}
}

// SetBroadcaster injects the WS hub dependency post-construction.
func (s *AllocationService) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// CreatePolicy validates the request, quotes the premium, and atomically:
// locks collateral across providers per the deterministic allocation plan,
// writes the policy and its allocation rows, and creates the guarding
// PendingTransaction. On ErrInsufficientLiquidity nothing is committed — no
// policy exists and no balance moved.
func (s *AllocationService) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*domain.Policy, *domain.PendingTransaction, error) {
	// ── 1. Input validation ──────────────────────────────────────────────────
	if !req.PolicyType.IsValid() {
		return nil, nil, domain.ErrInvalidPolicyType
	}
	for _, amount := range []decimal.Decimal{req.ProtectedValue, req.ProtectionAmount} {
		if amount.LessThanOrEqual(decimal.Zero) || !amount.Equal(amount.Floor()) {
			return nil, nil, domain.ErrZeroOrNegativeAmount
		}
	}
	if req.DurationBlocks <= 0 || req.DurationBlocks > s.cfg.Pool.MaxDurationBlocks {
		return nil, nil, domain.ErrZeroOrNegativeAmount
	}
	supported := false
	for _, t := range s.cfg.Pool.SupportedTokens {
		if t == req.Token {
			supported = true
		}
	}
	if !supported {
		return nil, nil, domain.ErrUnsupportedToken
	}

	// ── 2. Quote premium and resolve expiration ──────────────────────────────
	premium, err := s.quoter.QuotePremium(ctx, chain.PremiumParams{
		PolicyType:       req.PolicyType,
		Token:            req.Token,
		ProtectedValue:   req.ProtectedValue,
		ProtectionAmount: req.ProtectionAmount,
		DurationBlocks:   req.DurationBlocks,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: quote: %w", err)
	}
	height, err := s.heights.CurrentHeight(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: height: %w", err)
	}

	// ── 3. Begin transaction ─────────────────────────────────────────────────
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// ── 4. Lock the eligible pool snapshot ───────────────────────────────────
	// Rows lock in provider_id order; the plan re-sorts its own copy, so lock
	// acquisition order stays deadlock-free across concurrent allocations.
	providers, err := s.providerRepo.ListEligibleForUpdate(ctx, tx, req.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
	}

	// ── 5. Create the policy row (assigns the monotonic ID) ──────────────────
	policy := &domain.Policy{
		Owner:            req.Owner,
		Counterparty:     s.cfg.Pool.Identity,
		ProtectedValue:   req.ProtectedValue,
		ProtectionAmount: req.ProtectionAmount,
		Premium:          premium,
		PolicyType:       req.PolicyType,
		CollateralToken:  req.Token,
		SettlementToken:  req.Token,
		ExpirationHeight: height + req.DurationBlocks,
		Status:           domain.PolicyActive,
		PremiumPaid:      true, // premium is collected up front with creation
		CreationHeight:   height,
	}
	if err = s.policyRepo.Create(ctx, tx, policy); err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
	}

	// ── 6. Build and apply the allocation plan ───────────────────────────────
	plan, err := domain.BuildAllocationPlan(policy.ID, req.Token, req.ProtectionAmount, premium, providers)
	if err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
	}

	byID := make(map[uuid.UUID]*domain.ProviderBalance, len(providers))
	for i := range providers {
		byID[providers[i].ProviderID] = &providers[i]
	}
	for _, entry := range plan {
		balance := byID[entry.ProviderID]
		before := balance.CurrentBalance
		if err = balance.MoveAvailableToAllocated(entry.Amount); err != nil {
			return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: lock collateral: %w", err)
		}
		if err = s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
			return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
		}
		audit := newEntry(balance, domain.EntryAllocationLock, entry.Amount, before,
			ptrInt64(policy.ID), "collateral locked for policy")
		if err = s.providerRepo.LogEntry(ctx, tx, audit); err != nil {
			return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
		}
	}
	if err = s.policyRepo.InsertAllocations(ctx, tx, plan); err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
	}

	// ── 7. Guard with a pending external registration ────────────────────────
	payload, err := domain.EncodePayload(&domain.AllocatePayload{
		PolicyID: policy.ID,
		Token:    req.Token,
		Required: req.ProtectionAmount,
		Premium:  premium,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
	}
	pt := &domain.PendingTransaction{
		ID:          uuid.New(),
		Action:      domain.ActionAllocate,
		Status:      domain.TxPending,
		ResourceKey: domain.PolicyResourceKey(policy.ID),
		Payload:     payload,
	}
	if err = s.txRepo.Create(ctx, tx, pt); err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("allocation_service.CreatePolicy: commit: %w", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastPolicyCreated(policy)
	}
	return policy, pt, nil
}

// GetPolicy returns one policy with its allocation plan attached.
func (s *AllocationService) GetPolicy(ctx context.Context, id int64) (*domain.Policy, []domain.PolicyAllocation, error) {
	policy, err := s.policyRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	allocations, err := s.policyRepo.GetAllocations(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return policy, allocations, nil
}

// ListPolicies returns a page of the owner's policies.
func (s *AllocationService) ListPolicies(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*domain.Policy, error) {
	limit, offset = clampPage(limit, offset)
	return s.policyRepo.ListByOwner(ctx, owner, limit, offset)
}
