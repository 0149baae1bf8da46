package middleware

import (
	"context"
	"strconv"
	"time"

	awspkg "bulk-order-service/pkg/aws"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware sends request count, latency and error class per route in one batch.
// The streaming upload is measured until its last line is flushed.
func MetricsMiddleware(metricsClient *awspkg.MetricsClient, serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !metricsClient.IsEnabled() {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		dims := map[string]string{
			"Service": serviceName,
			"Method":  c.Request.Method,
			"Path":    path,
			"Status":  statusCodeToRange(status),
		}

		data := []awspkg.Datum{
			awspkg.Count(awspkg.MetricHTTPRequests, 1, dims),
			awspkg.Duration(awspkg.MetricHTTPLatency, time.Since(start), dims),
		}
		switch {
		case status >= 500:
			data = append(data, awspkg.Count(awspkg.MetricHTTP5xx, 1, dims))
		case status >= 400:
			errDims := map[string]string{"Service": serviceName, "Path": path, "Code": strconv.Itoa(status)}
			data = append(data, awspkg.Count(awspkg.MetricHTTP4xx, 1, errDims))
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsClient.Put(ctx, data...)
		}()
	}
}

func statusCodeToRange(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
