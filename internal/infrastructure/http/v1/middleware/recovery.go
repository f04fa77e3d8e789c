// Package middleware provides HTTP middleware components.
package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"fieldforce/internal/core/apperror"
	"fieldforce/pkg/logger"
)

// Recovery middleware recovers from panics and returns 500 error.
// Logs stack trace but never exposes internal details to client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
				)

				appErr := apperror.NewInternal(fmt.Errorf("panic: %v", err))
				_ = c.Error(appErr)

				// The panic unwound past ErrorHandler, so the response is written here.
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(appErr.HTTPStatus, ErrorBody{
					Error: appErr.Message,
					Code:  appErr.Code,
					Details: map[string]any{
						"request_id": c.GetString("request_id"),
					},
				})
			}
		}()
		c.Next()
	}
}
