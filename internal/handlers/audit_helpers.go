package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/observability"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// userIDFromQuery reads the optional user_id query parameter.
func userIDFromQuery(c *gin.Context) *int {
	raw := c.Query("user_id")
	if raw == "" {
		return nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &id
}
