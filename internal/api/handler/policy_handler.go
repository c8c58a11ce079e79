package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/api/middleware"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/service"
)

// PolicyHandler serves policy creation and lifecycle endpoints.
type PolicyHandler struct {
	allocationSvc *service.AllocationService
	policySvc     *service.PolicyService
}

// NewPolicyHandler creates a PolicyHandler.
func NewPolicyHandler(allocationSvc *service.AllocationService, policySvc *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{allocationSvc: allocationSvc, policySvc: policySvc}
}

// Create godoc
// POST /api/policies [JWT]
// Body: {"policy_type":"put","token":"ubtc","protected_value":"45000",
//        "protection_amount":"100000000","duration_blocks":1000}
func (h *PolicyHandler) Create(c *gin.Context) {
	var body struct {
		PolicyType       string `json:"policy_type"       binding:"required"`
		Token            string `json:"token"             binding:"required"`
		ProtectedValue   string `json:"protected_value"   binding:"required"`
		ProtectionAmount string `json:"protection_amount" binding:"required"`
		DurationBlocks   int64  `json:"duration_blocks"   binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	protectedValue, err := decimal.NewFromString(body.ProtectedValue)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_AMOUNT", "protected_value must be a decimal string")
		return
	}
	protectionAmount, err := decimal.NewFromString(body.ProtectionAmount)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_AMOUNT", "protection_amount must be a decimal string")
		return
	}

	policy, pt, err := h.allocationSvc.CreatePolicy(c.Request.Context(), service.CreatePolicyRequest{
		Owner:            middleware.GetAccountID(c),
		PolicyType:       domain.PolicyType(body.PolicyType),
		Token:            body.Token,
		ProtectedValue:   protectedValue,
		ProtectionAmount: protectionAmount,
		DurationBlocks:   body.DurationBlocks,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{
		"policy":         policy,
		"transaction_id": pt.ID,
	})
}

// GetByID godoc
// GET /api/policies/:id [JWT]
func (h *PolicyHandler) GetByID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_POLICY_ID", "invalid policy id")
		return
	}

	policy, allocations, err := h.allocationSvc.GetPolicy(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	// Owners see their own policies; backend roles see everything.
	actor := middleware.GetActor(c)
	if !actor.Backend && policy.Owner != actor.AccountID {
		respondError(c, http.StatusForbidden, "ERR_FORBIDDEN", "this policy does not belong to you")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"policy":      policy,
		"allocations": allocations,
	})
}

// ListMine godoc
// GET /api/policies?page=1&limit=20 [JWT]
func (h *PolicyHandler) ListMine(c *gin.Context) {
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	policies, err := h.allocationSvc.ListPolicies(c.Request.Context(), middleware.GetAccountID(c), limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch policies")
		return
	}
	respondList(c, policies, len(policies), page, limit)
}

// Exercise godoc
// POST /api/policies/:id/exercise [JWT]
func (h *PolicyHandler) Exercise(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_POLICY_ID", "invalid policy id")
		return
	}

	policy, pt, err := h.policySvc.Exercise(c.Request.Context(), middleware.GetActor(c), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"policy":         policy,
		"transaction_id": pt.ID,
	})
}
