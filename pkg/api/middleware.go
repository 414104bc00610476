package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-ID"

// requestLogger logs one line per request and propagates the correlation
// id: inbound header if present, freshly minted otherwise, always echoed
// back on the response.
func requestLogger() gin.HandlerFunc {
	logger := slog.With("component", "api")
	return func(c *gin.Context) {
		correlationID := c.GetHeader(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Set("correlation_id", correlationID)
		c.Header(correlationHeader, correlationID)

		start := time.Now()
		c.Next()

		logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"correlation_id", correlationID,
		)
	}
}

// recovery converts handler panics into 500s instead of dropped
// connections.
func recovery() gin.HandlerFunc {
	logger := slog.With("component", "api")
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Handler panic", "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			gin.H{"error": "internal", "message": "internal server error"})
	})
}
