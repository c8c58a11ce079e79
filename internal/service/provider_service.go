package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
)

// ──────────────────────────────────────────────────────────────────────────────
// ProviderService
// ──────────────────────────────────────────────────────────────────────────────

// ProviderService orchestrates provider fund flows: deposits, withdrawal
// holds, premium claims, and balance/metrics reads. Deposits and withdrawals
// are two-phase — the internal mutation is guarded by a PendingTransaction
// and finalized (or reverted) when the external ledger settles it.
type ProviderService struct {
	db           *sqlx.DB
	providerRepo *repository.ProviderRepository
	txRepo       *repository.PendingTxRepository
	distRepo     *repository.DistributionRepository
	metricsRepo  *repository.ReconcileRepository
	cfg          *config.Config
}

// NewProviderService creates a ProviderService.
func NewProviderService(
	db *sqlx.DB,
	providerRepo *repository.ProviderRepository,
	txRepo *repository.PendingTxRepository,
	distRepo *repository.DistributionRepository,
	metricsRepo *repository.ReconcileRepository,
	cfg *config.Config,
) *ProviderService {
	return &ProviderService{
		db:           db,
		providerRepo: providerRepo,
		txRepo:       txRepo,
		distRepo:     distRepo,
		metricsRepo:  metricsRepo,
		cfg:          cfg,
	}
}

func (s *ProviderService) tokenSupported(token string) bool {
	for _, t := range s.cfg.Pool.SupportedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// Deposit
// ──────────────────────────────────────────────────────────────────────────────

// Deposit registers an inbound provider deposit. No balance is credited here:
// the PendingTransaction is created pending, and the credit lands when the
// external transfer confirms (ApplyDeposit). The provider's resource key
// admits one in-flight fund movement at a time.
func (s *ProviderService) Deposit(ctx context.Context, providerID uuid.UUID, token string, amount decimal.Decimal, tier domain.RiskTier) (*domain.PendingTransaction, error) {
	if !s.tokenSupported(token) {
		return nil, domain.ErrUnsupportedToken
	}
	if !tier.IsValid() {
		return nil, domain.ErrInvalidRiskTier
	}
	if amount.LessThan(decimal.NewFromInt(s.cfg.Pool.MinDeposit)) || !amount.Equal(amount.Floor()) {
		return nil, domain.ErrZeroOrNegativeAmount
	}

	key := domain.ProviderResourceKey(providerID, token)
	inFlight, err := s.txRepo.HasInFlight(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("provider_service.Deposit: precheck: %w", err)
	}
	if inFlight {
		return nil, domain.ErrOperationInProgress
	}

	payload, err := domain.EncodePayload(&domain.DepositPayload{
		ProviderID: providerID,
		Token:      token,
		Amount:     amount,
		RiskTier:   tier,
	})
	if err != nil {
		return nil, fmt.Errorf("provider_service.Deposit: %w", err)
	}

	pt := &domain.PendingTransaction{
		ID:          uuid.New(),
		Action:      domain.ActionDeposit,
		Status:      domain.TxPending,
		ResourceKey: key,
		Payload:     payload,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("provider_service.Deposit: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.txRepo.Create(ctx, tx, pt); err != nil {
		return nil, fmt.Errorf("provider_service.Deposit: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("provider_service.Deposit: commit: %w", err)
	}
	return pt, nil
}

// ApplyDeposit finalizes a confirmed deposit: the provider's available
// balance is credited, creating the balance record on the first deposit.
// Invoked by the tracker exactly once per confirmed transaction.
func (s *ProviderService) ApplyDeposit(ctx context.Context, pt *domain.PendingTransaction) error {
	decoded, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("provider_service.ApplyDeposit: %w", err)
	}
	p := decoded.(*domain.DepositPayload)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("provider_service.ApplyDeposit: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	balance, err := s.providerRepo.GetBalanceForUpdate(ctx, tx, p.ProviderID, p.Token)
	switch {
	case errors.Is(err, domain.ErrProviderNotFound):
		// first deposit creates the record; the tier is fixed here
		balance = &domain.ProviderBalance{
			ProviderID:       p.ProviderID,
			Token:            p.Token,
			TotalDeposited:   decimal.Zero,
			CurrentBalance:   decimal.Zero,
			AvailableBalance: decimal.Zero,
			AllocatedBalance: decimal.Zero,
			RiskTier:         p.RiskTier,
			EarnedPremium:    decimal.Zero,
			PendingPremium:   decimal.Zero,
			SettlementLosses: decimal.Zero,
		}
		if err = s.providerRepo.CreateBalance(ctx, tx, balance); err != nil {
			return fmt.Errorf("provider_service.ApplyDeposit: %w", err)
		}
	case err != nil:
		return fmt.Errorf("provider_service.ApplyDeposit: %w", err)
	}

	before := balance.CurrentBalance
	if err = balance.CreditAvailable(p.Amount); err != nil {
		return fmt.Errorf("provider_service.ApplyDeposit: credit: %w", err)
	}
	balance.TotalDeposited = balance.TotalDeposited.Add(p.Amount)

	if err = s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
		return fmt.Errorf("provider_service.ApplyDeposit: %w", err)
	}
	entry := newEntry(balance, domain.EntryDeposit, p.Amount, before, nil, "deposit confirmed")
	if err = s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("provider_service.ApplyDeposit: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("provider_service.ApplyDeposit: commit: %w", err)
	}
	return nil
}

// RevertDeposit compensates a failed deposit. Nothing was credited at
// creation time, so there is no internal state to undo.
func (s *ProviderService) RevertDeposit(ctx context.Context, pt *domain.PendingTransaction) error {
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Withdraw
// ──────────────────────────────────────────────────────────────────────────────

// Withdraw places a withdrawal hold: the amount leaves the available balance
// immediately and a PendingTransaction carries the transfer. Confirmation
// finalizes the hold; failure reverts it. Hold and guard are written in one
// transaction, so losing the in-flight race also rolls the hold back.
func (s *ProviderService) Withdraw(ctx context.Context, providerID uuid.UUID, token string, amount decimal.Decimal, destination string) (*domain.PendingTransaction, error) {
	if amount.LessThan(decimal.NewFromInt(s.cfg.Pool.MinWithdraw)) || !amount.Equal(amount.Floor()) {
		return nil, domain.ErrZeroOrNegativeAmount
	}

	payload, err := domain.EncodePayload(&domain.WithdrawPayload{
		ProviderID:  providerID,
		Token:       token,
		Amount:      amount,
		Destination: destination,
	})
	if err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: %w", err)
	}

	pt := &domain.PendingTransaction{
		ID:          uuid.New(),
		Action:      domain.ActionWithdraw,
		Status:      domain.TxPending,
		ResourceKey: domain.ProviderResourceKey(providerID, token),
		Payload:     payload,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	balance, err := s.providerRepo.GetBalanceForUpdate(ctx, tx, providerID, token)
	if err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: %w", err)
	}

	before := balance.CurrentBalance
	if err = balance.DebitAvailable(amount); err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: hold: %w", err)
	}
	if err = s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: %w", err)
	}
	entry := newEntry(balance, domain.EntryWithdrawHold, amount, before, nil, "withdrawal hold placed")
	if err = s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: %w", err)
	}
	if err = s.txRepo.Create(ctx, tx, pt); err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("provider_service.Withdraw: commit: %w", err)
	}
	return pt, nil
}

// ApplyWithdraw finalizes a confirmed withdrawal. The hold already removed
// the funds; confirmation makes it permanent, so no balance moves here.
func (s *ProviderService) ApplyWithdraw(ctx context.Context, pt *domain.PendingTransaction) error {
	return nil
}

// RevertWithdraw returns a failed withdrawal's hold to the available balance.
func (s *ProviderService) RevertWithdraw(ctx context.Context, pt *domain.PendingTransaction) error {
	decoded, err := domain.DecodePayload(pt.Action, pt.Payload)
	if err != nil {
		return fmt.Errorf("provider_service.RevertWithdraw: %w", err)
	}
	p := decoded.(*domain.WithdrawPayload)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("provider_service.RevertWithdraw: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	balance, err := s.providerRepo.GetBalanceForUpdate(ctx, tx, p.ProviderID, p.Token)
	if err != nil {
		return fmt.Errorf("provider_service.RevertWithdraw: %w", err)
	}
	before := balance.CurrentBalance
	if err = balance.CreditAvailable(p.Amount); err != nil {
		return fmt.Errorf("provider_service.RevertWithdraw: credit: %w", err)
	}
	if err = s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
		return fmt.Errorf("provider_service.RevertWithdraw: %w", err)
	}
	entry := newEntry(balance, domain.EntryWithdrawRevert, p.Amount, before, nil, "withdrawal failed, hold reverted")
	if err = s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("provider_service.RevertWithdraw: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("provider_service.RevertWithdraw: commit: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Premium claims
// ──────────────────────────────────────────────────────────────────────────────

// ClaimPendingPremiums reclassifies all of a provider's claimable premium
// from pending to earned, batched across every expired policy with a
// processing distribution record. Each record completes at most once; a
// second claim finds nothing and returns an empty slice.
func (s *ProviderService) ClaimPendingPremiums(ctx context.Context, providerID uuid.UUID, token string) ([]domain.PremiumDistribution, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("provider_service.ClaimPendingPremiums: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	balance, err := s.providerRepo.GetBalanceForUpdate(ctx, tx, providerID, token)
	if err != nil {
		return nil, fmt.Errorf("provider_service.ClaimPendingPremiums: %w", err)
	}

	claims, err := s.distRepo.ClaimableForUpdate(ctx, tx, providerID, token)
	if err != nil {
		return nil, fmt.Errorf("provider_service.ClaimPendingPremiums: %w", err)
	}
	if len(claims) == 0 {
		_ = tx.Rollback()
		return nil, nil
	}

	total := decimal.Zero
	for i := range claims {
		if err = s.distRepo.Complete(ctx, tx, claims[i].ID); err != nil {
			return nil, fmt.Errorf("provider_service.ClaimPendingPremiums: %w", err)
		}
		total = total.Add(claims[i].Amount)
	}

	if balance.PendingPremium.LessThan(total) {
		err = fmt.Errorf("provider_service.ClaimPendingPremiums: %w: pending premium %s < claims %s",
			domain.ErrDataIntegrity, balance.PendingPremium, total)
		return nil, err
	}
	balance.PendingPremium = balance.PendingPremium.Sub(total)
	balance.EarnedPremium = balance.EarnedPremium.Add(total)

	if err = s.providerRepo.SaveBalance(ctx, tx, balance); err != nil {
		return nil, fmt.Errorf("provider_service.ClaimPendingPremiums: %w", err)
	}
	entry := newEntry(balance, domain.EntryPremiumClaimed, total, balance.CurrentBalance, nil,
		fmt.Sprintf("claimed %d premium distributions", len(claims)))
	if err = s.providerRepo.LogEntry(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("provider_service.ClaimPendingPremiums: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("provider_service.ClaimPendingPremiums: commit: %w", err)
	}
	return claims, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────────────────────────────────

// GetBalance returns one provider's balance record.
func (s *ProviderService) GetBalance(ctx context.Context, providerID uuid.UUID, token string) (*domain.ProviderBalance, error) {
	return s.providerRepo.GetBalance(ctx, providerID, token)
}

// GetEntries returns a page of the provider's audit history.
func (s *ProviderService) GetEntries(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*domain.BalanceEntry, error) {
	limit, offset = clampPage(limit, offset)
	return s.providerRepo.GetEntries(ctx, providerID, limit, offset)
}

// GetPoolMetrics returns the pool aggregate for one token, preferring the
// reconciliation loop's cache and computing a fresh fold when the cache has
// not been populated yet.
func (s *ProviderService) GetPoolMetrics(ctx context.Context, token string) (*domain.PoolMetrics, error) {
	m, err := s.metricsRepo.GetPoolMetrics(ctx, token)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrMetricsNotFound) {
		return nil, fmt.Errorf("provider_service.GetPoolMetrics: %w", err)
	}

	balances, err := s.providerRepo.ListByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("provider_service.GetPoolMetrics: %w", err)
	}
	fresh := domain.ComputePoolMetrics(token, balances, time.Now().UTC())
	return &fresh, nil
}
