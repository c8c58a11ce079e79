package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/service"
)

// PolicyAdminHandler serves manual lifecycle controls: forcing an expiration
// sweep outside the scheduler tick and re-queueing a premium distribution.
type PolicyAdminHandler struct {
	policySvc     *service.PolicyService
	settlementSvc *service.SettlementService
}

// NewPolicyAdminHandler creates a PolicyAdminHandler.
func NewPolicyAdminHandler(policySvc *service.PolicyService, settlementSvc *service.SettlementService) *PolicyAdminHandler {
	return &PolicyAdminHandler{policySvc: policySvc, settlementSvc: settlementSvc}
}

// ExpireSweep godoc
// POST /admin/policies/expire-sweep — runs one expiration sweep immediately.
func (h *PolicyAdminHandler) ExpireSweep(c *gin.Context) {
	results, err := h.policySvc.SweepExpired(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	expired := 0
	for _, r := range results {
		if r.Expired {
			expired++
		}
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"candidates": len(results),
		"expired":    expired,
		"results":    results,
	})
}

// DistributePremium godoc
// POST /admin/policies/:id/distribute-premium — re-queues the premium payout
// for an expired policy whose distribution never got queued.
func (h *PolicyAdminHandler) DistributePremium(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_POLICY_ID", "invalid policy id")
		return
	}

	if err := h.settlementSvc.DistributePremium(c.Request.Context(), id); err != nil {
		switch {
		case domain.IsNotFound(err):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "policy not found")
		case domain.IsConflict(err):
			respondError(c, http.StatusConflict, "ERR_CONFLICT", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not queue distribution")
		}
		return
	}
	respondSuccess(c, http.StatusAccepted, gin.H{"policy_id": id, "distribution": "queued"})
}
