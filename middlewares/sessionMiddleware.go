package middlewares

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmsattv/panel_backend/utils"
)

// SessionMiddleware resolves the caller from the `token` header (JWT) and
// stows the identity in the request context. Requests without a token pass
// through; ownership checks downstream reject them where identity matters.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if correlationId := c.Request.Header.Get("X-Correlation-Id"); correlationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		} else {
			ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
		}

		token := c.Request.Header.Get("token")
		if token == "" {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		parsed, err := utils.JwtValidate(token)
		if err != nil || !parsed.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claims, ok := parsed.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetRoleInContext(ctx, claims.Role)
		switch claims.Role {
		case "A":
			ctx = utils.SetUserIdInContext(ctx, claims.ID)
			ctx = utils.SetIsAdminInContext(ctx, true)
		case "C":
			ctx = utils.SetCustomerIdInContext(ctx, claims.ID)
		default:
			ctx = utils.SetUserIdInContext(ctx, claims.ID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// WorkerAuthMiddleware authenticates the automation worker's write-back
// calls with a shared secret. No secret configured means the internal
// endpoints are disabled.
func WorkerAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("WORKER_SHARED_SECRET")
		if secret == "" || c.Request.Header.Get("X-Worker-Secret") != secret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		ctx := utils.SetIsWorkerInContext(c.Request.Context(), true)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
