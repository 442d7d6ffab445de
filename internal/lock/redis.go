package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/telemetry"
)

// Release and extend must only act when the stored token still matches the
// caller's, so both run as atomic scripts.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// RedisService is a redis-backed lock backend. Expiry is enforced by key
// TTL, so a crashed owner frees its locks without any sweeper.
type RedisService struct {
	client  *redis.Client
	metrics *telemetry.Metrics
}

// NewRedisService creates a redis lock service.
func NewRedisService(client *redis.Client, metrics *telemetry.Metrics) *RedisService {
	return &RedisService{client: client, metrics: metrics}
}

// Acquire implements Service.
func (s *RedisService) Acquire(ctx context.Context, key string, expiry time.Duration) (*Lock, error) {
	start := time.Now()
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, redisLockKey(key), token, expiry).Result()
	if err != nil {
		s.record("error", time.Since(start))
		return nil, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if !ok {
		s.record("contended", time.Since(start))
		return nil, ErrNotAcquired
	}

	s.record("acquired", time.Since(start))
	return &Lock{Key: key, Token: token, ExpiresAt: time.Now().Add(expiry)}, nil
}

// Release implements Service.
func (s *RedisService) Release(ctx context.Context, l *Lock) error {
	res, err := releaseScript.Run(ctx, s.client, []string{redisLockKey(l.Key)}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", l.Key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend implements Service.
func (s *RedisService) Extend(ctx context.Context, l *Lock, expiry time.Duration) error {
	res, err := extendScript.Run(ctx, s.client, []string{redisLockKey(l.Key)}, l.Token, expiry.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending lock %q: %w", l.Key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	l.ExpiresAt = time.Now().Add(expiry)
	return nil
}

// IsLocked implements Service.
func (s *RedisService) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, redisLockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("checking lock %q: %w", key, err)
	}
	return n > 0, nil
}

// Close implements Service. The redis client is shared and owned by the
// caller.
func (s *RedisService) Close() error {
	return nil
}

func (s *RedisService) record(outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordLockAcquire("redis", outcome, d)
	}
}

func redisLockKey(key string) string {
	return "lock:" + key
}
