// Package counterstore implements the rate-limit counter protocol against a
// Redis-compatible store: SETNX/EXPIRE/DECR/GET over a bounded connection
// pool, with a PING liveness probe at startup.
package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// poolSize bounds the client's connection pool, matching the ~20-connection
// bound the rate limiter is built around.
const poolSize = 20

// Client is a pooled counter-store connection backed by Redis.
type Client struct {
	redis *redis.Client
}

// New parses addr (a redis:// URL) and dials a pooled client, probing
// liveness with PING before returning. A failed probe is fatal to startup —
// the caller should treat it as an unrecoverable error.
func New(addr string) (*Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid counter store address: %w", err)
	}
	opts.PoolSize = poolSize

	rc := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("counter store liveness probe failed: %w", err)
	}

	return &Client{redis: rc}, nil
}

// Get returns the current value of key, or 0 if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (int64, error) {
	v, err := c.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter store GET %q: %w", key, err)
	}
	return v, nil
}

// SetNX sets key to value only if it does not already exist, reporting
// whether the key was newly set.
func (c *Client) SetNX(ctx context.Context, key string, value int64) (bool, error) {
	ok, err := c.redis.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("counter store SETNX %q: %w", key, err)
	}
	return ok, nil
}

// Expire attaches a TTL of seconds to key, reporting whether the key
// existed for the TTL to attach to.
func (c *Client) Expire(ctx context.Context, key string, seconds int64) (bool, error) {
	ok, err := c.redis.Expire(ctx, key, time.Duration(seconds)*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("counter store EXPIRE %q: %w", key, err)
	}
	return ok, nil
}

// Decr decrements key by one and returns the resulting value.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	v, err := c.redis.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("counter store DECR %q: %w", key, err)
	}
	return v, nil
}

// Incr increments key by one and returns the resulting value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	v, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("counter store INCR %q: %w", key, err)
	}
	return v, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.redis.Close()
}
