package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/notaflow/fiscal_backend/utils"
)

// AuthMiddleware validates the bearer token when present and populates the
// request context with the caller's identity and tenant. Requests without a
// token pass through; per-route guards decide whether identity is required.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := utils.SetUserIdInContext(c.Request.Context(), claim.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// TenantMiddleware resolves the tenant from the X-Business-Id header and
// stamps a correlation id on the request context for tracing/log joins.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if businessId := strings.TrimSpace(c.Request.Header.Get("X-Business-Id")); businessId != "" {
			ctx = utils.SetBusinessIdInContext(ctx, businessId)
		}

		correlationId := strings.TrimSpace(c.Request.Header.Get("X-Correlation-Id"))
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
