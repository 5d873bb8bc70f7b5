package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/seedworks/seed/pkg/logger"
	"github.com/seedworks/seed/pkg/metrics"
)

// RemainingHeader reports the requests left in the current window.
const RemainingHeader = "X-RateLimit-Remaining"

// RedisRateLimitMiddleware is a fixed-window limiter shared by every replica.
// A client may make floor(rps*window)+burst requests per window; the counter
// lives under rl:<client>:<window number> and expires with the window.
func RedisRateLimitMiddleware(client *redis.Client, rps float64, burst int, window time.Duration) gin.HandlerFunc {
	if client == nil {
		return RateLimitMiddleware(rps, burst)
	}
	if window < time.Second {
		window = time.Second
	}
	span := int64(window / time.Second)
	limit := int64(rps*float64(span)) + int64(burst)

	return func(c *gin.Context) {
		now := time.Now().Unix()
		key := fmt.Sprintf("rl:%s:%d", clientKey(c), now/span)

		ctx := c.Request.Context()
		var hits *redis.IntCmd
		_, err := client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			hits = p.Incr(ctx, key)
			p.Expire(ctx, key, window+time.Second)
			return nil
		})
		if err != nil {
			logger.Errorf("rate limit: redis check failed: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "Rate limit check failed"})
			return
		}

		n := hits.Val()
		if n > limit {
			c.Header("Retry-After", strconv.FormatInt(span-now%span, 10))
			metrics.RateLimitRejected.WithLabelValues("redis").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": rateLimitMessage})
			return
		}
		c.Header(RemainingHeader, strconv.FormatInt(limit-n, 10))
		metrics.RateLimitAllowed.WithLabelValues("redis").Inc()
		c.Next()
	}
}
