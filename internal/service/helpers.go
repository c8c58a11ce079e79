package service

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/domain"
)

// newEntry builds a balance audit record around one mutation. before/after
// are the provider's current balance on either side of the change.
func newEntry(b *domain.ProviderBalance, typ domain.EntryType, amount, before decimal.Decimal, policyID *int64, desc string) *domain.BalanceEntry {
	return &domain.BalanceEntry{
		ID:            uuid.New(),
		ProviderID:    b.ProviderID,
		Token:         b.Token,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  b.CurrentBalance,
		PolicyID:      policyID,
		Description:   desc,
	}
}

// clampPage normalises limit/offset for list endpoints.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func ptrInt64(v int64) *int64 { return &v }
