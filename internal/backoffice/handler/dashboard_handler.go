package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/repository"
	"github.com/vantal/coverpool/internal/service"
	"github.com/vantal/coverpool/internal/ws"
)

// DashboardHandler serves the operational overview: policy counts, in-flight
// transactions, open discrepancies, and per-token pool metrics.
type DashboardHandler struct {
	policyRepo    *repository.PolicyRepository
	txRepo        *repository.PendingTxRepository
	reconcileRepo *repository.ReconcileRepository
	providerSvc   *service.ProviderService
	hub           *ws.Hub
	cfg           *config.Config
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(
	policyRepo *repository.PolicyRepository,
	txRepo *repository.PendingTxRepository,
	reconcileRepo *repository.ReconcileRepository,
	providerSvc *service.ProviderService,
	hub *ws.Hub,
	cfg *config.Config,
) *DashboardHandler {
	return &DashboardHandler{
		policyRepo:    policyRepo,
		txRepo:        txRepo,
		reconcileRepo: reconcileRepo,
		providerSvc:   providerSvc,
		hub:           hub,
		cfg:           cfg,
	}
}

// Dashboard godoc
// GET /admin/dashboard
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	policyCounts, err := h.policyRepo.CountByStatus(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not count policies")
		return
	}
	inFlight, err := h.txRepo.CountInFlight(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not count transactions")
		return
	}
	openDiscrepancies, err := h.reconcileRepo.CountOpenDiscrepancies(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not count discrepancies")
		return
	}

	pools := make(map[string]interface{}, len(h.cfg.Pool.SupportedTokens))
	for _, token := range h.cfg.Pool.SupportedTokens {
		metrics, err := h.providerSvc.GetPoolMetrics(ctx, token)
		if err != nil {
			continue // a token with no providers yet simply has no metrics
		}
		pools[token] = metrics
	}

	wsClients := 0
	if h.hub != nil {
		wsClients = h.hub.ConnectedCount()
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"policies":           policyCounts,
		"in_flight_txs":      inFlight,
		"open_discrepancies": openDiscrepancies,
		"pools":              pools,
		"ws_clients":         wsClients,
	})
}
