package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the distributed alternative to Memory, for deployments
// running more than one gateway process against the same command
// rate-limit key space. Grounded on internal/infra/redis_adapter.go's
// go-redis v9 client wiring.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to addr/db, verifying reachability with a ping.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ratelimit: redis ping failed (%s): %w", addr, err)
	}
	return &Redis{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Allow implements Limiter with a Redis sorted-set sliding window: one
// ZADD per hit, trimmed by ZREMRANGEBYSCORE, counted with ZCARD. When the
// trim/count pipeline fails the call is allowed (fail open), since a
// rate limiter outage must never block command execution entirely.
func (r *Redis) Allow(key string, limit int, window time.Duration) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now()
	member := fmt.Sprintf("%d", now.UnixNano())
	cutoff := now.Add(-window).UnixNano()

	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return Result{Allowed: true, Remaining: limit, ResetAfter: window}
	}

	count := int(card.Val())
	if count >= limit {
		oldest, err := r.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
		resetAfter := window
		if err == nil && len(oldest) == 1 {
			oldestNs := int64(oldest[0].Score)
			resetAfter = time.Unix(0, oldestNs).Add(window).Sub(now)
		}
		return Result{Allowed: false, Remaining: 0, ResetAfter: resetAfter}
	}

	r.rdb.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	r.rdb.PExpire(ctx, key, window)

	return Result{Allowed: true, Remaining: limit - count - 1, ResetAfter: window}
}
