package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection shared by the quarantine store and leases.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func leaseKey(name string) string {
	return fmt.Sprintf("healer:lease:%s", name)
}

// AcquireLease takes a named lease for ttl. It returns false when another
// holder owns it.
func (c *Client) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, leaseKey(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the current holder.
	cur, err := c.rdb.Get(ctx, leaseKey(name)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get failed: %w", err)
	}
	if cur != holder {
		return false, nil
	}
	return true, c.rdb.Expire(ctx, leaseKey(name), ttl).Err()
}

// ReleaseLease drops a lease if holder still owns it.
func (c *Client) ReleaseLease(ctx context.Context, name, holder string) error {
	cur, err := c.rdb.Get(ctx, leaseKey(name)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}
	if cur != holder {
		return nil
	}
	return c.rdb.Del(ctx, leaseKey(name)).Err()
}
