package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader carries the client supplied idempotency key.
const IdempotencyHeader = "Idempotency-Key"

type idemKeyCtx struct{}

// Idem provides an Idempotency-Key middleware backed by Redis.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

// hashKey scopes the client key to the request path so the same key reused
// against another session does not collide.
func (i Idem) hashKey(path, key string) string {
	sum := sha256.Sum256([]byte(path + "\x00" + key))
	prefix := i.Prefix
	if prefix == "" {
		prefix = "idem:"
	}
	return prefix + hex.EncodeToString(sum[:])
}

// Middleware enforces idempotency semantics for write endpoints. The raw key
// is exposed to handlers through IdempotencyKey.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), idemKeyCtx{}, header)
		if i.R == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		key := i.hashKey(r.URL.Path, header)
		ok, err := i.R.SetNX(ctx, key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdempotencyKey returns the key accepted by Idem.Middleware, if any.
func IdempotencyKey(ctx context.Context) string {
	v, _ := ctx.Value(idemKeyCtx{}).(string)
	return v
}
