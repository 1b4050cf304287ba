package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware stores a request-scoped logger under "logger" and logs one
// line per completed request.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		l := logger.With("request_id", RequestID(c.Request.Context()))
		c.Set("logger", l)

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if claims, ok := Claims(c); ok {
			attrs = append(attrs, "subject", claims.Subject)
		}
		l.InfoContext(c.Request.Context(), "request completed", attrs...)
	}
}

// Logger returns the request logger, falling back to the default logger.
func Logger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}
