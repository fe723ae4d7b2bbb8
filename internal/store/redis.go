package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 2 * time.Second
	keyPrefix           = "blob:"
)

// RedisBlob stores objects as plain Redis strings without expiry.
//
// Unlike a cache, every failure is returned: callers decide whether a
// missing model map or credential is fatal.
type RedisBlob struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisBlob wraps an existing client. The caller owns its lifecycle.
func NewRedisBlob(client *redis.Client) *RedisBlob {
	return &RedisBlob{client: client, queryTimeout: defaultQueryTimeout}
}

// NewRedisBlobFromURL parses redisURL, connects and verifies the connection
// with a PING.
func NewRedisBlobFromURL(ctx context.Context, redisURL string) (*RedisBlob, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return NewRedisBlob(cli), nil
}

func (b *RedisBlob) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	val, err := b.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: GET %s: %w", key, err)
	}
	return val, nil
}

func (b *RedisBlob) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	if err := b.client.Set(ctx, keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: SET %s: %w", key, err)
	}
	return nil
}

func (b *RedisBlob) PutOnce(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	ok, err := b.client.SetNX(ctx, keyPrefix+key, value, 0).Result()
	if err != nil {
		return fmt.Errorf("store: SETNX %s: %w", key, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (b *RedisBlob) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (b *RedisBlob) Close() error {
	return b.client.Close()
}
