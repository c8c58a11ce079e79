package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/service"
)

// ContextKey constants for gin.Context values set by middleware.
const (
	CtxAccountID = "accountID"
	CtxRole      = "role"
)

// ──────────────────────────────────────────────────────────────────────────────
// JWTMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// JWTMiddleware validates the Bearer token in the Authorization header.
// On success it stores accountID (uuid.UUID) and role (string) in the gin
// context.
func JWTMiddleware(authSvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": domain.ErrUnauthorized.Error(),
			})
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		claims, err := authSvc.ParseAccessToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": domain.ErrTokenInvalid.Error(),
			})
			return
		}

		accountID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": domain.ErrTokenInvalid.Error(),
			})
			return
		}

		c.Set(CtxAccountID, accountID)
		c.Set(CtxRole, claims.Role)
		c.Next()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// BackendMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// BackendMiddleware ensures the caller carries a backend-capable role.
// Must be placed after JWTMiddleware in the chain.
func BackendMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !domain.Role(GetRole(c)).IsBackend() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": domain.ErrForbidden.Error(),
			})
			return
		}
		c.Next()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers — extract identity from context (for use in handlers)
// ──────────────────────────────────────────────────────────────────────────────

// GetAccountID retrieves the authenticated account UUID from the gin context.
// Returns uuid.Nil if the middleware was not applied or the value is missing.
func GetAccountID(c *gin.Context) uuid.UUID {
	v, exists := c.Get(CtxAccountID)
	if !exists {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// GetRole retrieves the authenticated role string from the gin context.
func GetRole(c *gin.Context) string {
	v, _ := c.Get(CtxRole)
	r, _ := v.(string)
	return r
}

// GetActor builds the domain actor for the authenticated caller.
func GetActor(c *gin.Context) domain.Actor {
	if domain.Role(GetRole(c)).IsBackend() {
		return domain.BackendActor
	}
	return domain.Actor{AccountID: GetAccountID(c)}
}
