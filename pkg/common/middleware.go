// Package common provides shared middleware for the agent's local diagnostics HTTP server.
package common

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LoggingMiddleware logs request method/path/status/duration for the loopback diagnostics server.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		Info("diagnostics request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// RecoveryMiddleware converts a panic in a diagnostics handler into a logged 500 instead of crashing the agent.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				aerr := NewError("ERR_INTERNAL", "diagnostics handler panicked", map[string]interface{}{
					"panic": fmt.Sprint(r),
					"path":  c.Request.URL.Path,
				})
				Error("panic recovered in diagnostics server", aerr)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal error", "code": aerr.Code})
			}
		}()
		c.Next()
	}
}
