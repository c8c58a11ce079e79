package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vantal/coverpool/internal/api/handler"
	"github.com/vantal/coverpool/internal/api/middleware"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/service"
	"github.com/vantal/coverpool/internal/ws"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	AuthSvc       *service.AuthService
	AllocationSvc *service.AllocationService
	PolicySvc     *service.PolicyService
	ProviderSvc   *service.ProviderService
	TrackerSvc    *service.TrackerService
	Hub           *ws.Hub
	Cfg           *config.Config
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ── Handlers ─────────────────────────────────────────────────────────────
	policyH := handler.NewPolicyHandler(deps.AllocationSvc, deps.PolicySvc)
	providerH := handler.NewProviderHandler(deps.ProviderSvc, deps.TrackerSvc)

	// ── JWT middleware (shared) ───────────────────────────────────────────────
	jwtMW := middleware.JWTMiddleware(deps.AuthSvc)

	// ── Rate limiters ─────────────────────────────────────────────────────────
	fundsRL := middleware.RateLimitMiddleware(10) // deposits/withdrawals/creation
	readRL := middleware.RateLimitMiddleware(60)  // read endpoints

	api := r.Group("/api")
	{
		// ── Pool metrics (public) ─────────────────────────────────────────────
		pool := api.Group("/pool")
		pool.Use(readRL)
		{
			pool.GET("/metrics", providerH.PoolMetrics)
		}

		// ── Authenticated routes ──────────────────────────────────────────────
		authed := api.Group("")
		authed.Use(jwtMW)
		{
			// Policies
			policies := authed.Group("/policies")
			{
				policies.POST("", fundsRL, policyH.Create)
				policies.GET("", policyH.ListMine)
				policies.GET("/:id", policyH.GetByID)
				policies.POST("/:id/exercise", fundsRL, policyH.Exercise)
			}

			// Provider funds
			provider := authed.Group("/provider")
			{
				provider.POST("/deposit", fundsRL, providerH.Deposit)
				provider.POST("/withdraw", fundsRL, providerH.Withdraw)
				provider.POST("/claim-premiums", fundsRL, providerH.ClaimPremiums)
				provider.GET("/balance", providerH.GetBalance)
				provider.GET("/entries", providerH.GetEntries)
			}

			// Transaction lifecycle
			authed.GET("/transactions/:id", providerH.TransactionStatus)
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// In development all origins are allowed; in production only configured origins.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			// Development: allow any origin
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := map[string]bool{
				"https://vantal.io":     true,
				"https://app.vantal.io": true,
			}
			if allowed[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
