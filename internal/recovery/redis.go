package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key this program writes
const DefaultRedisPrefix = "nostr-publisher:"

// RedisStore implements Store using Redis. The pending record expires via
// key TTL; checkpoints live in one hash written with HSETNX.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	pendingTTL time.Duration
}

// NewRedisStore parses url, pings the server and returns the store
func NewRedisStore(ctx context.Context, url, prefix string, pendingTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix, pendingTTL), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, pendingTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, pendingTTL: pendingTTL}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) SavePending(ctx context.Context, rec *PendingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("pending"), data, s.pendingTTL).Err()
}

func (s *RedisStore) LoadPending(ctx context.Context) (*PendingRecord, error) {
	data, err := s.client.Get(ctx, s.key("pending")).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get pending: %w", err)
	}

	var rec PendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode pending record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) ClearPending(ctx context.Context) error {
	return s.client.Del(ctx, s.key("pending")).Err()
}

func (s *RedisStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("session"), data, 0).Err()
}

func (s *RedisStore) LoadSession(ctx context.Context) (*SessionRecord, error) {
	data, err := s.client.Get(ctx, s.key("session")).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) ClearSession(ctx context.Context) error {
	return s.client.Del(ctx, s.key("session")).Err()
}

func (s *RedisStore) MarkPublished(ctx context.Context, itemID string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return s.client.HSetNX(ctx, s.key("checkpoints"), itemID, now).Err()
}

func (s *RedisStore) IsPublished(ctx context.Context, itemID string) (bool, error) {
	return s.client.HExists(ctx, s.key("checkpoints"), itemID).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
