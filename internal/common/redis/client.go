package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration. An empty URL disables Redis.
type Config struct {
	URL       string `envconfig:"REDIS_URL"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"estateledger"`
}

// Client wraps the Redis client with the helpers the ledger needs
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established", "addr", opts.Addr, "db", opts.DB)

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix, logger: logger}, nil
}

// Key namespaces parts under the configured prefix.
func (c *Client) Key(parts ...string) string {
	key := c.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// IdempotencyStore caches responses of mutating requests by Idempotency-Key.
type IdempotencyStore struct {
	client *Client
}

// NewIdempotencyStore creates an IdempotencyStore
func NewIdempotencyStore(client *Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

// Get returns the cached response for key, if any.
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.rdb.Get(ctx, s.client.Key("idem", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading idempotency key: %w", err)
	}
	return b, true, nil
}

// Set stores response for key; a key already set keeps its first response.
func (s *IdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := s.client.rdb.SetNX(ctx, s.client.Key("idem", key), response, ttl).Err(); err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}

// RateLimiter is a fixed-window counter: at most Limit hits per Window per key.
type RateLimiter struct {
	client *Client
	limit  int64
	window time.Duration
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(client *Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: int64(limit), window: window}
}

// Allow records a hit for key and reports whether it is within the limit.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.client.Key("rl", key)

	count, err := l.client.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.client.rdb.Expire(ctx, k, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit window: %w", err)
		}
	}
	return count <= l.limit, nil
}

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks shared by every replica.
type Locker struct {
	client *Client
}

// NewLocker creates a Locker
func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Acquire tries to take name for ttl. It returns a release func when the lock was taken.
func (l *Locker) Acquire(ctx context.Context, name, token string, ttl time.Duration) (func(context.Context), bool, error) {
	key := l.client.Key("lock", name)
	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) {
		if err := releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.client.logger.Warn("releasing lock", "lock", name, "error", err)
		}
	}
	return release, true, nil
}
