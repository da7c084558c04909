// Package broker adapts Redis to the worker: a single-runner lock for queue
// housekeeping and a channel publisher for outbox events.
package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"avfuel/internal/infrastructure/config"
)

// Connect opens a Redis client and verifies it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
