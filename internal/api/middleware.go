package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"uniconvert/internal/logging"
)

// RequestLogger logs one line per request through the shared logger.
func RequestLogger(logger *logging.Logger) gin.HandlerFunc {
	log := logging.OrDefault(logger).With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		keyvals := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		if status >= 500 {
			log.Warn("request", keyvals...)
			return
		}
		log.Debug("request", keyvals...)
	}
}
