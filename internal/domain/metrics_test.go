package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

func TestComputePoolMetrics(t *testing.T) {
	a := provider(uuid.New(), domain.TierAggressive, 400)
	a.AllocatedBalance = decimal.NewFromInt(600)
	a.CurrentBalance = decimal.NewFromInt(1000)
	a.TotalDeposited = decimal.NewFromInt(1000)
	a.EarnedPremium = decimal.NewFromInt(50)

	b := provider(uuid.New(), domain.TierConservative, 1000)

	// a record for another token must not leak into the fold
	other := provider(uuid.New(), domain.TierBalanced, 9999)
	other.Token = "Y"

	m := domain.ComputePoolMetrics("X", []domain.ProviderBalance{a, b, other}, time.Now().UTC())

	if !m.CurrentBalance.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("current = %s, want 2000", m.CurrentBalance)
	}
	if !m.TotalAvailable.Equal(decimal.NewFromInt(1400)) {
		t.Errorf("available = %s, want 1400", m.TotalAvailable)
	}
	if !m.TotalAllocated.Equal(decimal.NewFromInt(600)) {
		t.Errorf("allocated = %s, want 600", m.TotalAllocated)
	}
	// utilization = 600/2000 = 0.3
	if !m.UtilizationRate.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("utilization = %s, want 0.3", m.UtilizationRate)
	}
	// yield = 50/2000 = 0.025
	if !m.AverageYield.Equal(decimal.NewFromFloat(0.025)) {
		t.Errorf("yield = %s, want 0.025", m.AverageYield)
	}

	agg := m.Tiers[domain.TierAggressive]
	if agg.Providers != 1 || !agg.Allocated.Equal(decimal.NewFromInt(600)) {
		t.Errorf("aggressive tier = %+v", agg)
	}
	con := m.Tiers[domain.TierConservative]
	if con.Providers != 1 || !con.Available.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("conservative tier = %+v", con)
	}
}

func TestComputePoolMetrics_EmptyPool(t *testing.T) {
	m := domain.ComputePoolMetrics("X", nil, time.Now().UTC())
	// no division by zero, everything zero-valued
	if !m.UtilizationRate.IsZero() || !m.AverageYield.IsZero() || !m.CurrentBalance.IsZero() {
		t.Errorf("empty pool metrics not zero: %+v", m)
	}
	if len(m.Tiers) != 3 {
		t.Errorf("tiers = %d, want 3 zero-valued breakdowns", len(m.Tiers))
	}
}
