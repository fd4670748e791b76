// Package badge caches per-user unread-activity counts in Redis.
package badge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds newConversationCount values keyed per user. It is an
// optimization in front of the SQL count, never a source of truth:
// callers fall back to the database on a miss or a Redis failure.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache connects to Redis and verifies the connection
func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCacheWithClient(client, ttl), nil
}

// NewCacheWithClient wraps an existing Redis client
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		client: client,
		prefix: "badge:",
		ttl:    ttl,
	}
}

func (c *Cache) key(userID string) string {
	return c.prefix + userID
}

// GetNewConversationCount returns the cached count and whether the key
// was present. A missing key is not an error.
func (c *Cache) GetNewConversationCount(ctx context.Context, userID string) (int, bool, error) {
	value, err := c.client.Get(ctx, c.key(userID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get badge count: %w", err)
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("parse badge count: %w", err)
	}
	return count, true, nil
}

func (c *Cache) SetNewConversationCount(ctx context.Context, userID string, count int) error {
	if err := c.client.Set(ctx, c.key(userID), strconv.Itoa(count), c.ttl).Err(); err != nil {
		return fmt.Errorf("set badge count: %w", err)
	}
	return nil
}

// Invalidate drops the cached counts for the given users. Called after
// any write that can change a badge: a sent message invalidates every
// participant, mark-all-seen invalidates the caller.
func (c *Cache) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		keys = append(keys, c.key(userID))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate badge counts: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
