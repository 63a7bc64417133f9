package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/pkg/response"
)

const rateLimitTimeout = time.Second

// RateLimiter counts requests per caller in fixed Redis windows. Without a
// Redis client every request passes.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRateLimiter(redisClient *redis.Client, prefix string, log *zap.Logger) *RateLimiter {
	if prefix == "" {
		prefix = "funnel:ratelimit"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{redis: redisClient, prefix: prefix, log: log.Named("ratelimit")}
}

// Limit creates a rate limiting middleware
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		caller := GetUserID(c)
		if caller == "" {
			caller = "ip:" + c.IP()
		}

		key := fmt.Sprintf("%s:%s:%s", rl.prefix, keyPrefix, caller)
		ctx, cancel := context.WithTimeout(context.Background(), rateLimitTimeout)
		defer cancel()

		// Increment counter
		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// If Redis fails, allow the request but log the error
			rl.log.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
			return c.Next()
		}

		// Set expiration on first request
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			// Get TTL for retry-after header
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		// Add rate limit headers
		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// SubmitLimit limits pipeline submissions per caller per minute
func (rl *RateLimiter) SubmitLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("submit", maxPerMin, time.Minute)
}
