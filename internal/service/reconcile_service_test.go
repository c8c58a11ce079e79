package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/service"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeBalances struct {
	byToken map[string][]domain.ProviderBalance
}

func (f *fakeBalances) ListByToken(_ context.Context, token string) ([]domain.ProviderBalance, error) {
	return f.byToken[token], nil
}

type fakeAllocSum struct {
	sums map[uuid.UUID]decimal.Decimal
}

func (f *fakeAllocSum) SumActiveAllocations(_ context.Context, _ string) (map[uuid.UUID]decimal.Decimal, error) {
	return f.sums, nil
}

type fakeDiscStore struct {
	discrepancies []*domain.StateDiscrepancy
	metrics       []*domain.PoolMetrics
}

func (f *fakeDiscStore) InsertDiscrepancy(_ context.Context, d *domain.StateDiscrepancy) error {
	f.discrepancies = append(f.discrepancies, d)
	return nil
}

func (f *fakeDiscStore) SavePoolMetrics(_ context.Context, m *domain.PoolMetrics) error {
	f.metrics = append(f.metrics, m)
	return nil
}

type fakeAggregate struct {
	agg chain.PoolAggregate
}

func (f *fakeAggregate) PoolAggregate(_ context.Context, _ string) (chain.PoolAggregate, error) {
	return f.agg, nil
}

func healthyProvider(id string, available, allocated int64) domain.ProviderBalance {
	avail := decimal.NewFromInt(available)
	alloc := decimal.NewFromInt(allocated)
	return domain.ProviderBalance{
		ProviderID:       uuid.MustParse(id),
		Token:            "ubtc",
		TotalDeposited:   avail.Add(alloc),
		CurrentBalance:   avail.Add(alloc),
		AvailableBalance: avail,
		AllocatedBalance: alloc,
		RiskTier:         domain.TierBalanced,
	}
}

func reconcileConfig(epsilon int64) *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{ReconcileEpsilon: epsilon},
		Pool:   config.PoolConfig{SupportedTokens: []string{"ubtc"}},
	}
}

const (
	provA = "11111111-1111-1111-1111-111111111111"
	provB = "22222222-2222-2222-2222-222222222222"
)

func newReconciler(providers []domain.ProviderBalance, sums map[uuid.UUID]decimal.Decimal, agg chain.PoolAggregate, epsilon int64) (*service.ReconcileService, *fakeDiscStore) {
	store := &fakeDiscStore{}
	svc := service.NewReconcileService(
		&fakeBalances{byToken: map[string][]domain.ProviderBalance{"ubtc": providers}},
		&fakeAllocSum{sums: sums},
		store,
		&fakeAggregate{agg: agg},
		reconcileConfig(epsilon),
	)
	return svc, store
}

// ── Tests ─────────────────────────────────────────────────────────────────────

// A pool that matches the external ledger exactly produces no discrepancies
// and refreshes the cached metrics.
func TestReconcile_CleanPass(t *testing.T) {
	providers := []domain.ProviderBalance{
		healthyProvider(provA, 700, 300),
		healthyProvider(provB, 400, 100),
	}
	sums := map[uuid.UUID]decimal.Decimal{
		uuid.MustParse(provA): decimal.NewFromInt(300),
		uuid.MustParse(provB): decimal.NewFromInt(100),
	}
	agg := chain.PoolAggregate{
		Token:        "ubtc",
		TotalBalance: decimal.NewFromInt(1500),
		TotalLocked:  decimal.NewFromInt(400),
	}
	svc, store := newReconciler(providers, sums, agg, 0)

	n, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Errorf("discrepancies = %d, want 0", n)
	}
	if len(store.metrics) != 1 {
		t.Fatalf("metrics saved = %d, want 1", len(store.metrics))
	}
	if !store.metrics[0].CurrentBalance.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("cached total = %s, want 1500", store.metrics[0].CurrentBalance)
	}
}

// The external ledger reporting a different total records a total_balance
// discrepancy with the signed delta, and never touches provider balances.
func TestReconcile_TotalBalanceDivergence(t *testing.T) {
	providers := []domain.ProviderBalance{healthyProvider(provA, 700, 300)}
	sums := map[uuid.UUID]decimal.Decimal{uuid.MustParse(provA): decimal.NewFromInt(300)}
	agg := chain.PoolAggregate{
		TotalBalance: decimal.NewFromInt(990), // internal fold says 1000
		TotalLocked:  decimal.NewFromInt(300),
	}
	svc, store := newReconciler(providers, sums, agg, 0)

	n, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("discrepancies = %d, want 1", n)
	}
	d := store.discrepancies[0]
	if d.Kind != domain.DiscrepancyTotalBalance {
		t.Errorf("kind = %s, want total_balance", d.Kind)
	}
	if !d.Delta.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("delta = %s, want -10", d.Delta)
	}
	if !providers[0].CurrentBalance.Equal(decimal.NewFromInt(1000)) {
		t.Error("reconciliation must not mutate provider balances")
	}
}

// Divergence within the configured epsilon is tolerated.
func TestReconcile_EpsilonTolerance(t *testing.T) {
	providers := []domain.ProviderBalance{healthyProvider(provA, 700, 300)}
	sums := map[uuid.UUID]decimal.Decimal{uuid.MustParse(provA): decimal.NewFromInt(300)}
	agg := chain.PoolAggregate{
		TotalBalance: decimal.NewFromInt(998),
		TotalLocked:  decimal.NewFromInt(302),
	}
	svc, _ := newReconciler(providers, sums, agg, 5)

	n, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Errorf("discrepancies = %d, want 0 within epsilon", n)
	}
}

// A provider whose balance parts no longer sum to the whole is flagged as a
// conservation violation.
func TestReconcile_ConservationViolation(t *testing.T) {
	broken := healthyProvider(provA, 700, 300)
	broken.CurrentBalance = decimal.NewFromInt(950) // parts say 1000
	sums := map[uuid.UUID]decimal.Decimal{uuid.MustParse(provA): decimal.NewFromInt(300)}
	agg := chain.PoolAggregate{
		TotalBalance: decimal.NewFromInt(950),
		TotalLocked:  decimal.NewFromInt(300),
	}
	svc, store := newReconciler([]domain.ProviderBalance{broken}, sums, agg, 0)

	n, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("discrepancies = %d, want 1", n)
	}
	if store.discrepancies[0].Kind != domain.DiscrepancyConservation {
		t.Errorf("kind = %s, want provider_conservation", store.discrepancies[0].Kind)
	}
}

// Allocated balance that disagrees with the sum of live policy allocations is
// flagged as drift — collateral locked for a policy nobody holds, or vice versa.
func TestReconcile_AllocationDrift(t *testing.T) {
	providers := []domain.ProviderBalance{healthyProvider(provA, 700, 300)}
	sums := map[uuid.UUID]decimal.Decimal{
		uuid.MustParse(provA): decimal.NewFromInt(250), // live policies only account for 250
	}
	agg := chain.PoolAggregate{
		TotalBalance: decimal.NewFromInt(1000),
		TotalLocked:  decimal.NewFromInt(300),
	}
	svc, store := newReconciler(providers, sums, agg, 0)

	n, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("discrepancies = %d, want 1", n)
	}
	d := store.discrepancies[0]
	if d.Kind != domain.DiscrepancyAllocationDrift {
		t.Errorf("kind = %s, want allocation_drift", d.Kind)
	}
	if !d.Internal.Equal(decimal.NewFromInt(300)) || !d.External.Equal(decimal.NewFromInt(250)) {
		t.Errorf("internal/external = %s/%s, want 300/250", d.Internal, d.External)
	}
}
