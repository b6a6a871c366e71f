package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/brez-sync/internal/config"
	"github.com/redis/go-redis/v9"
)

// redisOptions keeps command timeouts well under the limiter's min interval
// so a slow Redis surfaces as a guard error rather than a late admission.
func redisOptions(cfg *config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	}
	if opts.MinIdleConns > opts.PoolSize && opts.PoolSize > 0 {
		opts.MinIdleConns = opts.PoolSize
	}
	return opts
}

// NewRedisClient opens the client shared by the rate limiter and the advisory publisher
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	client := redis.NewClient(redisOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
