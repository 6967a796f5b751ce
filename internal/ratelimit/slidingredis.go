package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter counts events per key in a Redis sorted set scored by arrival
// time, giving a sliding window.
type Limiter struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

// Allow records one event for key and reports whether the window still holds
// at most limit events. reset is when the oldest event in the window expires.
// Rejected events are recorded too, so a client hammering the limit stays
// limited.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	if l.Client == nil || limit <= 0 || window <= 0 {
		return true, limit, now.Add(window), nil
	}

	redisKey := l.Prefix + key
	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	count := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, now.Add(window), err
	}

	reset = now.Add(window)
	if zs := oldest.Val(); len(zs) > 0 {
		reset = time.Unix(0, int64(zs[0].Score)).Add(window)
	}
	current := int(count.Val())
	return current <= limit, max(0, limit-current), reset, nil
}

// Sliding adapts Limiter to Policy with a fixed window and maximum.
type Sliding struct {
	Limiter Limiter
	Window  time.Duration
	Max     int
}

// Take implements Policy.
func (s Sliding) Take(ctx context.Context, key string) (Decision, error) {
	allowed, remaining, reset, err := s.Limiter.Allow(ctx, key, s.Window, s.Max)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: allowed, Limit: s.Max, Remaining: remaining, ResetAt: reset}, nil
}
