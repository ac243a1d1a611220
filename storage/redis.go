package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps objects as Redis string values under a key prefix.
// Content types travel in a sibling meta key so the stored bytes stay
// opaque.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "menuscraper"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (rs *RedisStore) key(name string) string {
	return rs.prefix + ":" + name
}

// Exists reports whether the named object is present.
func (rs *RedisStore) Exists(ctx context.Context, name string) (bool, error) {
	n, err := rs.client.Exists(ctx, rs.key(name)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", name, err)
	}
	return n > 0, nil
}

// Get reads the named object.
func (rs *RedisStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := rs.client.Get(ctx, rs.key(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("redis get %q: %w", name, err)
	}
	return data, nil
}

// Put writes the named object with no expiry.
func (rs *RedisStore) Put(ctx context.Context, name string, data []byte, opts PutOptions) error {
	key := rs.key(name)
	if opts.Upsert {
		if err := rs.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("redis set %q: %w", name, err)
		}
	} else {
		ok, err := rs.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("redis setnx %q: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
	}
	if opts.ContentType != "" {
		if err := rs.client.Set(ctx, key+":content-type", opts.ContentType, 0).Err(); err != nil {
			return fmt.Errorf("redis set content type %q: %w", name, err)
		}
	}
	return nil
}
