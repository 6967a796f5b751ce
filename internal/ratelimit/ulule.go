package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed is a fixed-window Policy backed by ulule/limiter.
type Fixed struct {
	Limiter *limiter.Limiter
}

// NewFixed builds a Redis-backed fixed-window policy from a rate such as
// "30-S" or "1000-H".
func NewFixed(rdb *redis.Client, rate, prefix string) (Fixed, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return Fixed{}, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return Fixed{}, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return Fixed{Limiter: limiter.New(store, parsed)}, nil
}

// Take implements Policy.
func (f Fixed) Take(ctx context.Context, key string) (Decision, error) {
	lctx, err := f.Limiter.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		ResetAt:   time.Unix(lctx.Reset, 0),
	}, nil
}
