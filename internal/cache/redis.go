package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"omnigate/internal/domain"
)

// redisTier is the distributed tier. Values are stored as raw JSON under
// "<region>:<key>" so other processes and tools can read them without an
// envelope format.
type redisTier struct {
	client *redis.Client
}

func newRedisTier(client *redis.Client) *redisTier {
	return &redisTier{client: client}
}

func (t *redisTier) get(ctx context.Context, region domain.CacheRegion, key string) ([]byte, bool, error) {
	data, err := t.client.Get(ctx, compositeKey(region, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s:%s: %w", region, key, err)
	}
	return data, true, nil
}

func (t *redisTier) set(ctx context.Context, region domain.CacheRegion, key string, data []byte, ttl time.Duration) error {
	if err := t.client.Set(ctx, compositeKey(region, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s:%s: %w", region, key, err)
	}
	return nil
}

func (t *redisTier) remove(ctx context.Context, region domain.CacheRegion, key string) (bool, error) {
	n, err := t.client.Del(ctx, compositeKey(region, key)).Result()
	if err != nil {
		return false, fmt.Errorf("deleting %s:%s: %w", region, key, err)
	}
	return n > 0, nil
}

func (t *redisTier) flushRegion(ctx context.Context, region domain.CacheRegion) error {
	var cursor uint64
	pattern := string(region) + ":*"
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return fmt.Errorf("scanning region %s: %w", region, err)
		}
		if len(keys) > 0 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("flushing region %s: %w", region, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (t *redisTier) ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
