package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/answerstack/raggate/pkg/observability"
)

// burstGuard is a per-instance token bucket in front of the real admission
// controller. It exists to protect this instance and the shared store from
// request floods; budget enforcement stays with the rate limiter.
func burstGuard(rps, burst int, metrics observability.MetricsClient) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			metrics.IncrementCounter("api.burst_guard_rejections", 1)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"denied":              true,
				"retry_after_seconds": 1,
				"limiting_tier":       "instance_burst",
			})
			return
		}
		c.Next()
	}
}
