package middlewares

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// IssueRateLimiter caps how many reports a user may submit per day. Counters live in
// Redis under <queuePrefix>:<user_id> and expire 24h after the first submission.
func IssueRateLimiter(rdb redis.Cmdable, queuePrefix string, limit int, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(UserIDKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			c.Abort()
			return
		}

		if queuePrefix == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Redis queue not configured"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		// Create individual key for each user
		userKey := queuePrefix + ":" + userID

		count, err := rdb.Incr(ctx, userKey).Result()
		if err != nil {
			logger.Error().Err(err).Str("key", userKey).Msg("Redis error incrementing count")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "redis error incrementing count"})
			c.Abort()
			return
		}

		// Set TTL only for the first increment
		if count == 1 {
			if err := rdb.Expire(ctx, userKey, 24*time.Hour).Err(); err != nil {
				logger.Error().Err(err).Str("key", userKey).Msg("Redis error setting TTL")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "redis error setting TTL"})
				c.Abort()
				return
			}
		}

		if count > int64(limit) {
			retryAfter, _ := rdb.TTL(ctx, userKey).Result()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Daily report limit reached",
				"retry_after": retryAfter.Seconds(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
