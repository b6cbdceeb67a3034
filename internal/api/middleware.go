package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/workforce/internal/metrics"
)

// metricsMiddleware records request counts and latency labelled by route
// template rather than raw path.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
