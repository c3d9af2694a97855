package embedcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix for cached vectors.
const redisKeyPrefix = "regmatch:emb:"

// Redis is a Cache shared through a Redis server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// OpenRedis connects to addr, which may be "host:port" or a redis:// URL,
// and verifies the connection with PING.
func OpenRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, ttl), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) ([]float32, bool, error) {
	b, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := DecodeVector(b)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Put stores vec with SET and the configured expiry.
func (r *Redis) Put(ctx context.Context, key string, vec []float32) error {
	return r.client.Set(ctx, redisKeyPrefix+key, EncodeVector(vec), r.ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
