package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/autoheal/pkg/logging"
	"github.com/NikhilSetiya/autoheal/pkg/tracing"
)

const (
	// RequestIDHeader carries the request ID in and out
	RequestIDHeader = "X-Request-ID"
	// CorrelationIDHeader carries the correlation ID across services
	CorrelationIDHeader = "X-Correlation-ID"
	// RequestIDKey is the gin context key holding the request ID
	RequestIDKey = "request_id"
)

// RequestID assigns a request ID and correlation ID to every request and
// stores both on the request context for logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = logging.NewCorrelationID()
		}
		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = requestID
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithCorrelationID(ctx, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Header(CorrelationIDHeader, correlationID)

		c.Next()
	}
}

// GetRequestID returns the request ID set by RequestID
func GetRequestID(c *gin.Context) string {
	if id, ok := c.Get(RequestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// Logging logs every request on completion. It runs after the tracing
// middleware so trace IDs are on the context.
func Logging(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if traceID := tracing.GetTraceID(c.Request.Context()); traceID != "" {
			ctx := logging.WithTraceID(c.Request.Context(), traceID)
			ctx = logging.WithSpanID(ctx, tracing.GetSpanID(ctx))
			c.Request = c.Request.WithContext(ctx)
		}

		c.Next()

		logger.LogRequest(
			c.Request.Context(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// ErrorLogging logs errors attached to the gin context by handlers
func ErrorLogging(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.LogError(
				c.Request.Context(),
				err.Err,
				"Request processing error",
				logging.Fields{
					"path":   c.FullPath(),
					"status": c.Writer.Status(),
				},
			)
		}
	}
}

// Recovery turns handler panics into a 500 response in the API envelope
func Recovery(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithContext(c.Request.Context()).WithFields(logging.Fields{
			"panic":       fmt.Sprintf("%v", recovered),
			"stack_trace": string(debug.Stack()),
		}).Error("Request panic recovered")

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "Internal server error",
			},
			"request_id": GetRequestID(c),
			"timestamp":  time.Now(),
		})
	})
}
