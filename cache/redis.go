package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRemote is a Remote backed by Redis. Values are the codec-encoded
// (zstd-compressed) documents, stored under prefix+id with a TTL.
type RedisRemote struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRemote connects to addr and verifies the connection.
func NewRedisRemote(ctx context.Context, addr, prefix string, ttl time.Duration) (*RedisRemote, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if prefix == "" {
		prefix = "split:structure:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRemote{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

// Get returns the stored bytes and whether the key existed.
func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set stores val. Structures never change, so an existing key is simply
// refreshed.
func (r *RedisRemote) Set(ctx context.Context, key string, val []byte) error {
	return r.rdb.Set(ctx, r.prefix+key, val, r.ttl).Err()
}

// Close closes the client.
func (r *RedisRemote) Close() error {
	return r.rdb.Close()
}
