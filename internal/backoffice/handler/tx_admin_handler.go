package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
	"github.com/vantal/coverpool/internal/service"
)

// TxAdminHandler serves the pending-transaction audit surface: listing by
// status, manual retry of failed submissions, and cancelling stuck pendings.
type TxAdminHandler struct {
	txRepo     *repository.PendingTxRepository
	trackerSvc *service.TrackerService
}

// NewTxAdminHandler creates a TxAdminHandler.
func NewTxAdminHandler(txRepo *repository.PendingTxRepository, trackerSvc *service.TrackerService) *TxAdminHandler {
	return &TxAdminHandler{txRepo: txRepo, trackerSvc: trackerSvc}
}

// List godoc
// GET /admin/transactions?status=failed&page=1&limit=50
func (h *TxAdminHandler) List(c *gin.Context) {
	page, limit := adminPagination(c)
	offset := (page - 1) * limit
	status := domain.TxStatus(c.Query("status")) // empty = all statuses

	items, err := h.txRepo.ListRecent(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch transactions")
		return
	}
	respondList(c, items, len(items), page, limit)
}

// Detail godoc
// GET /admin/transactions/:id
func (h *TxAdminHandler) Detail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid transaction id")
		return
	}
	pt, err := h.txRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "transaction not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch transaction")
		return
	}
	respondSuccess(c, http.StatusOK, pt)
}

// Retry godoc
// POST /admin/transactions/:id/retry — resets a failed transaction to pending.
func (h *TxAdminHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid transaction id")
		return
	}
	if err := h.trackerSvc.Retry(c.Request.Context(), id); err != nil {
		switch {
		case domain.IsNotFound(err):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "no failed transaction with this id")
		case domain.IsConflict(err):
			respondError(c, http.StatusConflict, "ERR_CONFLICT", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not reset transaction")
		}
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"retrying": id})
}

// Cancel godoc
// POST /admin/transactions/:id/cancel — abandons a never-submitted transaction.
func (h *TxAdminHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid transaction id")
		return
	}
	if err := h.trackerSvc.Cancel(c.Request.Context(), id); err != nil {
		switch {
		case domain.IsNotFound(err):
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", "transaction not found")
		case domain.IsConflict(err):
			respondError(c, http.StatusConflict, "ERR_NOT_CANCELLABLE", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not cancel transaction")
		}
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"cancelled": id})
}
