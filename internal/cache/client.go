// Package cache keeps hot read paths in Redis: authored content consulted by
// every progress computation and the last aggregated progress per session.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options holds Redis connection settings
type Options struct {
	Address  string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}
