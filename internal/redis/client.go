package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/interview-signaling/config"
	"github.com/redis/go-redis/v9"
)

// Connect opens a client for cfg and verifies it with a PING. The caller
// owns the client and must Close it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
