package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
)

const SessionCookieName = "session"

// SessionToken reads the session cookie, falling back to an Authorization bearer token.
func SessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie(SessionCookieName); err == nil && strings.TrimSpace(cookie) != "" {
		return strings.TrimSpace(cookie)
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	const bearer = "Bearer "
	if len(auth) > len(bearer) && strings.EqualFold(auth[:len(bearer)], bearer) {
		return strings.TrimSpace(auth[len(bearer):])
	}
	return ""
}

// SessionMiddleware attaches the caller's identity to the request context.
// Requests without a token continue anonymously; a bad token is rejected.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := SessionToken(c)
		if token == "" {
			c.Next()
			return
		}
		claim, err := utils.SessionValidate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		if models.UserRole(claim.Role) == models.UserRoleStoreManager && claim.StoreId == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "error": "store manager has no store assigned"})
			return
		}

		ctx := context.WithValue(c.Request.Context(), authString("auth"), claim)
		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetUserIdInContext(ctx, claim.ID)
		ctx = utils.SetUserNameInContext(ctx, claim.Name)
		ctx = utils.SetRoleInContext(ctx, claim.Role)
		if claim.StoreId != "" {
			ctx = utils.SetStoreIdInContext(ctx, claim.StoreId)
		}
		if models.UserRole(claim.Role) == models.UserRoleStoreManager {
			ctx = utils.SetStoreScopeInContext(ctx, claim.StoreId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
