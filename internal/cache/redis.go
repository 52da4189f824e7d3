package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const entryKeyPrefix = "buildfix:cache:entry:"

// RedisStore persists cache entries in Redis so independent engine
// processes share one cache. Entries carry their TTL as the Redis key
// TTL; a per-agent set supports agent-scoped invalidation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis by URL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests use miniredis).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, entryKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	if e.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ttl := time.Duration(e.TTLSeconds) * time.Second
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKeyPrefix+e.Key, data, ttl)
	pipe.SAdd(ctx, agentKeyspace(e.AgentName), e.Key)
	pipe.Expire(ctx, agentKeyspace(e.AgentName), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteAgent(ctx context.Context, agentName string) (int, error) {
	keys, err := s.client.SMembers(ctx, agentKeyspace(agentName)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("redis smembers: %w", err)
	}

	removed := 0
	for _, k := range keys {
		n, err := s.client.Del(ctx, entryKeyPrefix+k).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
	}
	if err := s.client.Del(ctx, agentKeyspace(agentName)).Err(); err != nil {
		return removed, fmt.Errorf("redis del agent set: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, "buildfix:cache:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis flush: %w", err)
		}
	}
	return iter.Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
