package middleware

import (
	"github.com/gin-gonic/gin"

	"fieldforce/internal/core/apperror"
	appctx "fieldforce/internal/core/context"
)

// RequireRole middleware checks that the user carries one of roles.
// Tokens with the admin flag pass every role check.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := appctx.GetUser(c.Request.Context())
		if user == nil {
			_ = c.Error(apperror.NewUnauthorized("authentication required"))
			c.Abort()
			return
		}

		if user.IsAdmin {
			c.Next()
			return
		}

		for _, required := range roles {
			if user.HasRole(required) {
				c.Next()
				return
			}
		}

		_ = c.Error(
			apperror.NewForbidden("insufficient permissions").
				WithDetail("required_roles", roles),
		)
		c.Abort()
	}
}

// RequireAdmin is RequireRole(appctx.RoleAdmin).
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(appctx.RoleAdmin)
}
