package backoffice

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vantal/coverpool/internal/backoffice/handler"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
	"github.com/vantal/coverpool/internal/service"
	"github.com/vantal/coverpool/internal/ws"
)

// BackofficeDeps bundles every dependency needed for the admin router.
type BackofficeDeps struct {
	AuthSvc       *service.AuthService
	PolicySvc     *service.PolicyService
	SettlementSvc *service.SettlementService
	TrackerSvc    *service.TrackerService
	ReconcileSvc  *service.ReconcileService
	ProviderSvc   *service.ProviderService
	PolicyRepo    *repository.PolicyRepository
	TxRepo        *repository.PendingTxRepository
	ReconcileRepo *repository.ReconcileRepository
	Hub           *ws.Hub
	Cfg           *config.Config
}

// SetupBackofficeRouter creates the admin Gin engine on the backoffice port.
func SetupBackofficeRouter(deps BackofficeDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(ipWhitelistMiddleware(deps.Cfg.Server.BackofficeAllowedIPs))

	dashH := handler.NewDashboardHandler(deps.PolicyRepo, deps.TxRepo, deps.ReconcileRepo, deps.ProviderSvc, deps.Hub, deps.Cfg)
	reconcileH := handler.NewReconcileHandler(deps.ReconcileRepo, deps.ReconcileSvc)
	txH := handler.NewTxAdminHandler(deps.TxRepo, deps.TrackerSvc)
	policyH := handler.NewPolicyAdminHandler(deps.PolicySvc, deps.SettlementSvc)

	jwtMW := adminJWTMiddleware(deps.AuthSvc)

	admin := r.Group("/admin")
	admin.Use(jwtMW)
	{
		admin.GET("/dashboard", dashH.Dashboard)

		// Reconciliation
		admin.GET("/discrepancies", reconcileH.Discrepancies)
		admin.POST("/discrepancies/:id/resolve", reconcileH.Resolve)
		admin.POST("/reconcile/run", reconcileH.RunNow)

		// Pending transactions
		tx := admin.Group("/transactions")
		{
			tx.GET("", txH.List)
			tx.GET("/:id", txH.Detail)
			tx.POST("/:id/retry", txH.Retry)
			tx.POST("/:id/cancel", txH.Cancel)
		}

		// Policy lifecycle controls
		p := admin.Group("/policies")
		{
			p.POST("/expire-sweep", policyH.ExpireSweep)
			p.POST("/:id/distribute-premium", policyH.DistributePremium)
		}
	}

	return r
}

// ── IP whitelist middleware ───────────────────────────────────────────────────

// ipWhitelistMiddleware blocks requests from IPs not in the allowlist.
// allowedIPs is a comma-separated string; empty means allow all.
func ipWhitelistMiddleware(allowedIPs string) gin.HandlerFunc {
	if allowedIPs == "" {
		return func(c *gin.Context) { c.Next() } // dev mode: no restriction
	}

	allowed := make(map[string]bool)
	for _, ip := range strings.Split(allowedIPs, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = true
		}
	}

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !allowed[clientIP] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "access denied: your IP is not whitelisted",
			})
			return
		}
		c.Next()
	}
}

// ── Admin JWT middleware ──────────────────────────────────────────────────────

// adminJWTMiddleware validates a JWT and requires a backend-capable role.
func adminJWTMiddleware(authSvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := authSvc.ParseAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !domain.Role(claims.Role).IsBackend() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}

		c.Set("accountID", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}
