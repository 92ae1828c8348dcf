package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"marketplace-chat/internal/observability"
)

const requestIDContextKey = "request_id"

// RequestID makes sure every request carries an id, echoing it back to the caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := observability.RequestIDFromRequest(c.Request)
		c.Request.Header.Set(observability.RequestIDHeader, requestID)
		c.Set(requestIDContextKey, requestID)
		c.Header(observability.RequestIDHeader, requestID)
		c.Next()
	}
}

// Logger logs one line per completed request.
func Logger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ev := logger.Info()
		if c.Writer.Status() >= 500 {
			ev = logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetString(requestIDContextKey)).
			Str("remote_addr", observability.IPFromRequest(c.Request)).
			Msg("request completed")
	}
}
