// Package middleware contains Gin middleware for the application.
package middleware

import (
	"context"

	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID adds a correlation ID to the request context. The id rides
// both the gin context and the request's context.Context so the logging
// helpers pick it up in handlers and everything they call.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Set in header for response
		c.Header(HeaderXCorrelationID, correlationID)

		// Set in context for logger
		c.Set(string(logging.CorrelationIDKey), correlationID)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		// Pass to next handlers
		c.Next()
	}
}
