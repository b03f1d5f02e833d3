package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"painchain.app/ingest/common/logger"
)

// Logger writes one record per request. The query string is left out because
// webhook and API callers may put credentials there.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logger.WithLogFields(c.Request.Context(), logger.LogFields{
			Component: "ingest.http",
		}))

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		ctx := c.Request.Context()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", route,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		}

		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			slog.ErrorContext(ctx, "request failed", attrs...)
		case status >= 400:
			slog.WarnContext(ctx, "request error", attrs...)
		default:
			slog.InfoContext(ctx, "request", attrs...)
		}
	}
}

// TraceHeader echoes the active trace ID back to the caller under header.
func TraceHeader(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header != "" {
			if traceID := logger.TraceIDFromContext(c.Request.Context()); traceID != "" {
				c.Header(header, traceID)
			}
		}
		c.Next()
	}
}
