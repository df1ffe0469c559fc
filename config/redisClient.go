package config

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ConnectRedis creates the Redis client and checks it is reachable
func ConnectRedis(ctx context.Context, s Settings, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     s.RedisAddress,
		Password: s.RedisPassword,
		DB:       0, // default DB
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().Str("addr", s.RedisAddress).Msg("Connected to Redis")
	return client, nil
}
