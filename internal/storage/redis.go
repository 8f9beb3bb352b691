package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ KV = (*RedisKV)(nil)

// scanBatch is the COUNT hint for SCAN during prefix deletes
const scanBatch = 200

// RedisKV stores entries as plain Redis strings with a PX expiry, so Redis
// evicts them without a cleanup loop.
type RedisKV struct {
	client    *redis.Client
	namespace string
	retention time.Duration
}

// NewRedisKV wraps an existing client. namespace is prepended to every key.
func NewRedisKV(client *redis.Client, namespace string, retention time.Duration) (*RedisKV, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	return &RedisKV{client: client, namespace: namespace, retention: retention}, nil
}

// DialRedis connects and pings a Redis server
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisKV) key(k string) string {
	return s.namespace + k
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (s *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// escapeGlob escapes the characters SCAN MATCH treats specially
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *RedisKV) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := escapeGlob(s.key(prefix)) + "*"
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()

	keys := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= scanBatch {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

func (s *RedisKV) Close() error {
	return s.client.Close()
}
