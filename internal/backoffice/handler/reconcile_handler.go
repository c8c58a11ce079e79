package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
	"github.com/vantal/coverpool/internal/service"
)

// ReconcileHandler serves discrepancy review and manual reconciliation runs.
type ReconcileHandler struct {
	reconcileRepo *repository.ReconcileRepository
	reconcileSvc  *service.ReconcileService
}

// NewReconcileHandler creates a ReconcileHandler.
func NewReconcileHandler(reconcileRepo *repository.ReconcileRepository, reconcileSvc *service.ReconcileService) *ReconcileHandler {
	return &ReconcileHandler{reconcileRepo: reconcileRepo, reconcileSvc: reconcileSvc}
}

// Discrepancies godoc
// GET /admin/discrepancies?open=true&page=1&limit=50
func (h *ReconcileHandler) Discrepancies(c *gin.Context) {
	page, limit := adminPagination(c)
	offset := (page - 1) * limit
	onlyOpen := c.DefaultQuery("open", "true") == "true"

	items, err := h.reconcileRepo.ListDiscrepancies(c.Request.Context(), onlyOpen, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch discrepancies")
		return
	}
	respondList(c, items, len(items), page, limit)
}

// Resolve godoc
// POST /admin/discrepancies/:id/resolve
// Body: {"note":"chain reorg at height 812, re-verified manually"}
func (h *ReconcileHandler) Resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid discrepancy id")
		return
	}
	var body struct {
		Note string `json:"note" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "a resolution note is required")
		return
	}

	if err := h.reconcileRepo.ResolveDiscrepancy(c.Request.Context(), id, body.Note); err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "discrepancy not found or already resolved")
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not resolve discrepancy")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"resolved": id})
}

// RunNow godoc
// POST /admin/reconcile/run — triggers a full reconciliation pass immediately.
func (h *ReconcileHandler) RunNow(c *gin.Context) {
	found, err := h.reconcileSvc.Run(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"discrepancies_found": found})
}
