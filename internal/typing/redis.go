package typing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/eventmarket/messaging/internal/model"
)

// RedisStore keeps signals in Redis with a native key TTL of PurgeAfter,
// so every instance behind the load balancer sees the same state.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisStore{client: c}, nil
}

func (r *RedisStore) Set(ctx context.Context, threadID string, side model.UserType, sig Signal) error {
	value, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: encode signal: %w", err)
	}
	if err := r.client.Set(ctx, Key(threadID, side), value, PurgeAfter).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, threadID string, side model.UserType) (Signal, bool, error) {
	raw, err := r.client.Get(ctx, Key(threadID, side)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, fmt.Errorf("redis: get: %w", err)
	}

	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signal{}, false, fmt.Errorf("redis: decode signal: %w", err)
	}
	return sig, true, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
