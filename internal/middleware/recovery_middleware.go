// internal/middleware/recovery_middleware.go
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usblink-service/internal/utils"
)

// RecoveryMiddleware answers a panicking handler with a 500 and logs it
// against the request ID
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	serviceLogger := utils.NewServiceLogger(logger, "http-server")

	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestLogger := serviceLogger
		if requestID := c.GetString(RequestIDKey); requestID != "" {
			requestLogger = serviceLogger.WithRequestID(requestID)
		}

		requestLogger.Error("Panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Stack("stacktrace"),
		)

		utils.ErrorResponse(c, http.StatusInternalServerError, "Request handler failed", nil)
	})
}
