package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prplab/prioritizer/internal/tracing"
)

// RedisPrefix namespaces stored responses in Redis.
const RedisPrefix = "prioritizer:idempotency:"

// RedisStore shares stored responses between API instances. Entries expire through
// their Redis TTL, so Purge has nothing to do.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a store whose entries live for ttl, or DefaultExpiry when
// ttl is not positive.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (_ *Response, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, RedisPrefix, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	data, err := s.client.Get(ctx, RedisPrefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode stored response for %q: %w", key, err)
	}
	return &resp, nil
}

// Put implements Store with SET NX, so concurrent first requests store one response.
func (s *RedisStore) Put(ctx context.Context, resp *Response) (err error) {
	if err := ValidateKey(resp.Key); err != nil {
		return err
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode stored response: %w", err)
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, RedisPrefix, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	stored, err := s.client.SetNX(ctx, RedisPrefix+resp.Key, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	if !stored {
		return ErrExists
	}
	return nil
}

// Purge implements Store.
func (s *RedisStore) Purge(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
