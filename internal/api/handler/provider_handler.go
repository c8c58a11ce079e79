package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/api/middleware"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/service"
)

// ProviderHandler serves liquidity-provider endpoints: deposits, withdrawals,
// balances, premium claims, and the public pool metrics view.
type ProviderHandler struct {
	providerSvc *service.ProviderService
	trackerSvc  *service.TrackerService
}

// NewProviderHandler creates a ProviderHandler.
func NewProviderHandler(providerSvc *service.ProviderService, trackerSvc *service.TrackerService) *ProviderHandler {
	return &ProviderHandler{providerSvc: providerSvc, trackerSvc: trackerSvc}
}

// Deposit godoc
// POST /api/provider/deposit [JWT]
// Body: {"token":"ubtc","amount":"100000000","risk_tier":"balanced"}
func (h *ProviderHandler) Deposit(c *gin.Context) {
	var body struct {
		Token    string `json:"token"     binding:"required"`
		Amount   string `json:"amount"    binding:"required"`
		RiskTier string `json:"risk_tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_AMOUNT", "amount must be a decimal string")
		return
	}

	pt, err := h.providerSvc.Deposit(c.Request.Context(),
		middleware.GetAccountID(c), body.Token, amount, domain.RiskTier(body.RiskTier))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusAccepted, gin.H{"transaction_id": pt.ID, "status": pt.Status})
}

// Withdraw godoc
// POST /api/provider/withdraw [JWT]
// Body: {"token":"ubtc","amount":"50000000","destination":"bc1q..."}
func (h *ProviderHandler) Withdraw(c *gin.Context) {
	var body struct {
		Token       string `json:"token"       binding:"required"`
		Amount      string `json:"amount"      binding:"required"`
		Destination string `json:"destination" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_AMOUNT", "amount must be a decimal string")
		return
	}

	pt, err := h.providerSvc.Withdraw(c.Request.Context(),
		middleware.GetAccountID(c), body.Token, amount, body.Destination)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusAccepted, gin.H{"transaction_id": pt.ID, "status": pt.Status})
}

// GetBalance godoc
// GET /api/provider/balance?token=ubtc [JWT]
func (h *ProviderHandler) GetBalance(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "token query parameter is required")
		return
	}

	balance, err := h.providerSvc.GetBalance(c.Request.Context(), middleware.GetAccountID(c), token)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, balance)
}

// GetEntries godoc
// GET /api/provider/entries?page=1&limit=20 [JWT]
func (h *ProviderHandler) GetEntries(c *gin.Context) {
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	entries, err := h.providerSvc.GetEntries(c.Request.Context(), middleware.GetAccountID(c), limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch entries")
		return
	}
	respondList(c, entries, len(entries), page, limit)
}

// ClaimPremiums godoc
// POST /api/provider/claim-premiums [JWT]
// Body: {"token":"ubtc"}
func (h *ProviderHandler) ClaimPremiums(c *gin.Context) {
	var body struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	claimed, err := h.providerSvc.ClaimPendingPremiums(c.Request.Context(), middleware.GetAccountID(c), body.Token)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	total := decimal.Zero
	for _, d := range claimed {
		total = total.Add(d.Amount)
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"claimed": claimed,
		"total":   total,
	})
}

// PoolMetrics godoc
// GET /api/pool/metrics?token=ubtc [public]
func (h *ProviderHandler) PoolMetrics(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "token query parameter is required")
		return
	}

	metrics, err := h.providerSvc.GetPoolMetrics(c.Request.Context(), token)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, metrics)
}

// TransactionStatus godoc
// GET /api/transactions/:id [JWT]
func (h *ProviderHandler) TransactionStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_TX_ID", "invalid transaction id")
		return
	}

	pt, err := h.trackerSvc.Get(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, pt)
}
