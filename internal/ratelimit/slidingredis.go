package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter implements a sliding window rate limiter backed by Redis sorted sets.
type Limiter struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

func (l Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow registers an event for the given key and returns whether it is within the limit.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, l.now().Add(window), nil
	}
	now := l.now()
	until := now.Add(window)
	redisKey := l.Prefix + key
	member := fmt.Sprintf("%s:%s", key, uuid.NewString())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff(now, window))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, until, err
	}

	current := int(countCmd.Val())
	remaining = max - current
	if remaining < 0 {
		remaining = 0
	}
	return current <= max, remaining, until, nil
}

// Count returns how many events were registered for key inside the trailing window, without adding one.
func (l Limiter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	if l.Client == nil || window <= 0 {
		return 0, nil
	}
	n, err := l.Client.ZCount(ctx, l.Prefix+key, cutoff(l.now(), window), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// cutoff is the exclusive lower score bound of the window ending at now.
func cutoff(now time.Time, window time.Duration) string {
	return "(" + strconv.FormatInt(now.Add(-window).UnixNano(), 10)
}
