package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisScanBatch = 100

// RedisBackend stores entries as plain redis strings under a key prefix.
type RedisBackend struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
}

// OpenRedis connects to redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedis(client, cfg.Namespace, cfg.Timeout), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, namespace string, timeout time.Duration) *RedisBackend {
	if namespace == "" {
		namespace = DefaultBucket
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisBackend{client: client, prefix: namespace + ":", timeout: timeout}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RedisBackend) Get(key string) ([]byte, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisErr(err)
	}
	return v, true, nil
}

func (r *RedisBackend) Set(key string, value []byte) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return redisErr(r.client.Set(ctx, r.prefix+key, value, 0).Err())
}

func (r *RedisBackend) Delete(key string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return redisErr(r.client.Del(ctx, r.prefix+key).Err())
}

// Clear removes every key under the namespace prefix.
func (r *RedisBackend) Clear() error {
	ctx, cancel := r.ctx()
	defer cancel()

	var batch []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanBatch {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return redisErr(err)
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func redisErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrBackendClosed
	}
	return err
}
