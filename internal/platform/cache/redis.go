package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New connects a Redis client and verifies it with a ping. A zero
// pingTimeout falls back to 5 seconds.
func New(ctx context.Context, addr string, pingTimeout time.Duration) (*redis.Client, error) {
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", addr, err)
	}
	return client, nil
}
