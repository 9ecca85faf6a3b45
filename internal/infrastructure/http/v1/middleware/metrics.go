package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"stockledger/internal/infrastructure/metrics"
)

// Metrics records HTTP request counts, latency and in-flight requests.
func Metrics(m *metrics.Metrics, skipPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == skipPath {
			c.Next()
			return
		}

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		start := time.Now()
		c.Next()

		// Use route pattern, not actual path
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
