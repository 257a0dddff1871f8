package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisNonceKeyPrefix = "credverify:nonce:"

// RedisStore keeps nonces in Redis so every verifier instance sharing the
// database sees the same replay state. Expiry is delegated to Redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a Redis-backed nonce store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: redisNonceKeyPrefix}
}

// Contains implements Store.
func (s *RedisStore) Contains(ctx context.Context, key string, _ time.Time) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("nonce exists: %w", err)
	}
	return n > 0, nil
}

// InsertIfAbsent implements Store with SET NX and a TTL.
func (s *RedisStore) InsertIfAbsent(ctx context.Context, key string, rec Record, now, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode nonce record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce setnx: %w", err)
	}
	return ok, nil
}

// Sweep implements Store. Redis expires records itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Get loads the record stored for key.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("nonce get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode nonce record: %w", err)
	}
	return rec, true, nil
}
