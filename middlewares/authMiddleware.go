package middlewares

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
)

type authString string

// CtxValue returns the session claims set by SessionMiddleware, or nil.
func CtxValue(ctx context.Context) *utils.SessionClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.SessionClaim)
	return raw
}

func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CtxValue(c.Request.Context()) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RequireRole rejects anonymous callers with 401 and other roles with 403.
func RequireRole(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		claim := CtxValue(c.Request.Context())
		if claim == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		if !allowed[models.UserRole(claim.Role)] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "error": "forbidden"})
			return
		}
		c.Next()
	}
}
