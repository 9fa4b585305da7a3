package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uniconvert/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client is the shared go-redis handle used by the session bus.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss is returned by Get for absent keys.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

const pingTimeout = 3 * time.Second

// NewRedisClient connects to the configured server and fails fast when it
// does not answer a ping.
func NewRedisClient(cfg config.RedisConfig) (*Client, error) {
	addr := cfg.Addr()
	inner := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := inner.Ping(ctx).Err(); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Client{inner: inner}, nil
}

// Set stores value at key for ttl.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Get returns the raw value stored at key, or ErrCacheMiss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	return c.inner.Get(ctx, key).Bytes()
}

// Publish sends payload to every subscriber of channel.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Publish(ctx, channel, payload).Err()
}

// Subscribe listens on the given channels. The caller closes the returned PubSub.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	pubsub := c.inner.Subscribe(ctx, channels...)
	// wait for the subscription confirmation so early publishes are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}
	return pubsub, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the go-redis client, e.g. for FLUSHDB in tests.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
