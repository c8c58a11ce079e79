package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
)

// ReconcileBalanceSource is the read-only slice of the provider and policy
// repositories the reconciler folds over.
type ReconcileBalanceSource interface {
	ListByToken(ctx context.Context, token string) ([]domain.ProviderBalance, error)
}

// AllocationSummer reports the live allocation total per provider, derived
// from the allocation rows of active policies.
type AllocationSummer interface {
	SumActiveAllocations(ctx context.Context, token string) (map[uuid.UUID]decimal.Decimal, error)
}

// DiscrepancyStore persists reconciliation findings and refreshed metrics.
type DiscrepancyStore interface {
	InsertDiscrepancy(ctx context.Context, d *domain.StateDiscrepancy) error
	SavePoolMetrics(ctx context.Context, m *domain.PoolMetrics) error
}

// ReconcileService periodically folds the internal provider ledger and
// compares it against the external ledger's pool aggregate. Every mismatch
// beyond the configured epsilon becomes a StateDiscrepancy record.
// Reconciliation only ever observes and records — it never corrects a
// provider balance.
type ReconcileService struct {
	balances    ReconcileBalanceSource
	allocations AllocationSummer
	store       DiscrepancyStore
	external    chain.AggregateSource
	cfg         *config.Config
	broadcaster Broadcaster
}

// NewReconcileService creates a ReconcileService.
func NewReconcileService(
	balances ReconcileBalanceSource,
	allocations AllocationSummer,
	store DiscrepancyStore,
	external chain.AggregateSource,
	cfg *config.Config,
) *ReconcileService {
	return &ReconcileService{
		balances:    balances,
		allocations: allocations,
		store:       store,
		external:    external,
		cfg:         cfg,
	}
}

// SetBroadcaster injects the WS hub dependency post-construction.
func (s *ReconcileService) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// Run reconciles every supported token once. Returns the total number of
// discrepancies recorded.
func (s *ReconcileService) Run(ctx context.Context) (int, error) {
	total := 0
	for _, token := range s.cfg.Pool.SupportedTokens {
		n, err := s.ReconcileToken(ctx, token)
		if err != nil {
			return total, fmt.Errorf("reconcile.Run: token %s: %w", token, err)
		}
		total += n
	}
	return total, nil
}

// ReconcileToken runs one reconciliation pass for a single token:
// per-provider conservation checks, allocation drift against the live policy
// set, and the pool-level fold against the external ledger aggregate. The
// token's cached pool metrics are refreshed at the end of the pass.
func (s *ReconcileService) ReconcileToken(ctx context.Context, token string) (int, error) {
	providers, err := s.balances.ListByToken(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list balances: %w", err)
	}

	found := 0
	record := func(d *domain.StateDiscrepancy) error {
		if err := s.store.InsertDiscrepancy(ctx, d); err != nil {
			return fmt.Errorf("reconcile: record discrepancy: %w", err)
		}
		found++
		slog.Warn("discrepancy detected",
			"token", d.Token, "kind", d.Kind,
			"internal", d.Internal.String(), "external", d.External.String(),
			"delta", d.Delta.String())
		if s.broadcaster != nil {
			s.broadcaster.BroadcastDiscrepancy(d)
		}
		return nil
	}

	// ── Per-provider conservation ────────────────────────────────────────────
	var totalBalance, totalLocked decimal.Decimal
	for i := range providers {
		b := &providers[i]
		if cerr := b.CheckConservation(); cerr != nil {
			parts := b.AvailableBalance.Add(b.AllocatedBalance)
			if err := record(s.newDiscrepancy(token, domain.DiscrepancyConservation,
				b.CurrentBalance, parts,
				fmt.Sprintf("provider %s: %s", b.ProviderID, cerr))); err != nil {
				return found, err
			}
		}
		totalBalance = totalBalance.Add(b.CurrentBalance)
		totalLocked = totalLocked.Add(b.AllocatedBalance)
	}

	// ── Allocation drift against the live policy set ─────────────────────────
	liveAllocations, err := s.allocations.SumActiveAllocations(ctx, token)
	if err != nil {
		return found, fmt.Errorf("reconcile: sum allocations: %w", err)
	}
	for i := range providers {
		b := &providers[i]
		expected := liveAllocations[b.ProviderID] // zero when no active policy holds their collateral
		if !b.AllocatedBalance.Equal(expected) {
			if err := record(s.newDiscrepancy(token, domain.DiscrepancyAllocationDrift,
				b.AllocatedBalance, expected,
				fmt.Sprintf("provider %s: allocated balance disagrees with active policy allocations", b.ProviderID))); err != nil {
				return found, err
			}
		}
	}

	// ── Pool fold vs external aggregate ──────────────────────────────────────
	agg, err := s.external.PoolAggregate(ctx, token)
	if err != nil {
		return found, fmt.Errorf("reconcile: external aggregate: %w", err)
	}
	epsilon := decimal.NewFromInt(s.cfg.Engine.ReconcileEpsilon)
	if agg.TotalBalance.Sub(totalBalance).Abs().GreaterThan(epsilon) {
		if err := record(s.newDiscrepancy(token, domain.DiscrepancyTotalBalance,
			totalBalance, agg.TotalBalance, "pool total balance diverged")); err != nil {
			return found, err
		}
	}
	if agg.TotalLocked.Sub(totalLocked).Abs().GreaterThan(epsilon) {
		if err := record(s.newDiscrepancy(token, domain.DiscrepancyTotalLocked,
			totalLocked, agg.TotalLocked, "pool locked collateral diverged")); err != nil {
			return found, err
		}
	}

	// ── Refresh cached metrics ───────────────────────────────────────────────
	metrics := domain.ComputePoolMetrics(token, providers, time.Now().UTC())
	if err := s.store.SavePoolMetrics(ctx, &metrics); err != nil {
		return found, fmt.Errorf("reconcile: save metrics: %w", err)
	}

	slog.Info("reconciliation pass complete",
		"token", token, "providers", len(providers), "discrepancies", found)
	return found, nil
}

func (s *ReconcileService) newDiscrepancy(token string, kind domain.DiscrepancyKind, internal, external decimal.Decimal, note string) *domain.StateDiscrepancy {
	return &domain.StateDiscrepancy{
		ID:         uuid.New(),
		Token:      token,
		Kind:       kind,
		Internal:   internal,
		External:   external,
		Delta:      external.Sub(internal),
		DetectedAt: time.Now().UTC(),
		Note:       note,
	}
}
