package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:dedup:"

// Redis shares the dedup index between processor replicas. Retention is
// enforced by key expiry.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) Seen(ctx context.Context, key string) (Outcome, bool, error) {
	val, err := r.rdb.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read dedup key: %w", err)
	}
	return Outcome(val), true, nil
}

func (r *Redis) Record(ctx context.Context, key string, outcome Outcome) error {
	if err := r.rdb.SetNX(ctx, keyPrefix+key, string(outcome), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record dedup key: %w", err)
	}
	return nil
}
