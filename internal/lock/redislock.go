package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock: not acquired")

// release deletes the key only while it still holds our token, so a holder
// whose lease expired cannot drop a lock taken over by another submit.
var release = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// Locker provides a Redis-backed distributed lock.
type Locker struct {
	R            *redis.Client
	Prefix       string
	RetryBackoff time.Duration
}

// OrderKey names the lock guarding submits of one order. New orders lock on
// the session id instead.
func OrderKey(orderID, sessionID string) string {
	if id := strings.TrimSpace(orderID); id != "" {
		return "submit:order:" + id
	}
	return "submit:session:" + sessionID
}

// WithLock runs fn while holding the lock for key. The lock is released when
// fn returns, also on error. The lock expires after ttl if the holder dies.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	key = l.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
			}
			return err
		}
		if ok {
			defer l.unlock(key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l Locker) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = release.Run(ctx, l.R, []string{key}, token).Err()
}
