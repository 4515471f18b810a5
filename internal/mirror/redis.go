package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the key the snapshot is stored under.
const DefaultKey = "box_ledger_cache_v1"

// RedisBackend stores the payload under a single redis key.
type RedisBackend struct {
	client redis.Cmdable
	key    string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps an existing client. An empty key uses DefaultKey.
func NewRedisBackend(client redis.Cmdable, key string) *RedisBackend {
	if key == "" {
		key = DefaultKey
	}
	return &RedisBackend{client: client, key: key}
}

// Key returns the redis key in use.
func (r *RedisBackend) Key() string { return r.key }

func (r *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("RedisBackend.Read: %w", err)
	}
	return data, nil
}

func (r *RedisBackend) Write(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("RedisBackend.Write: %w", err)
	}
	return nil
}
