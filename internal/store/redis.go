package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatdash/internal/models"
)

// RedisStore handles Redis operations for reply memoization and rate limit
// counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// replyKey returns the key for a memoized reply.
func replyKey(hash string) string {
	return fmt.Sprintf("reply:%s", hash)
}

// rateLimitKey returns the key for a rate limit counter.
func rateLimitKey(id string) string {
	return fmt.Sprintf("ratelimit:%s", id)
}

// GetReply looks up a memoized reply by transcript hash. A miss returns
// (nil, nil).
func (s *RedisStore) GetReply(ctx context.Context, hash string) (*models.CachedReply, error) {
	data, err := s.client.Get(ctx, replyKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var reply models.CachedReply
	if err := json.Unmarshal([]byte(data), &reply); err != nil {
		// Stale or corrupt value: treat as a miss
		return nil, nil
	}
	return &reply, nil
}

// SetReply memoizes a reply under the transcript hash with a TTL.
func (s *RedisStore) SetReply(ctx context.Context, hash string, reply *models.CachedReply, ttl time.Duration) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, replyKey(hash), data, ttl).Err()
}

// IncrWindow increments a rate limit counter and returns the new count. The
// window TTL is refreshed on every hit, which over-counts slightly at window
// edges but never under-counts.
func (s *RedisStore) IncrWindow(ctx context.Context, id string, window time.Duration) (int64, error) {
	key := rateLimitKey(id)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
