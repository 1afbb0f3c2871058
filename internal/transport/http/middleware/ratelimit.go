package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"alphachat/internal/ratelimit"
	"alphachat/internal/transport/http/response"
)

// RateLimit admits requests per client ip through the same limiter the chat orchestrator uses, so
// session routes and messages share one budget. Limiter errors admit the request.
func RateLimit(limiter ratelimit.Limiter, rejected prometheus.Counter, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		allowed, err := limiter.Admit(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("rate limiter unavailable, admitting request", slog.Any("error", err))
			c.Next()
			return
		}
		if !allowed {
			if rejected != nil {
				rejected.Inc()
			}
			response.Error(c, http.StatusTooManyRequests, response.CodeRateLimited, "too many requests, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}
