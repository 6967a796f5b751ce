package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/order-console/internal/common"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Policy decides whether a request identified by key may proceed.
type Policy interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// Handler enforces a Policy before delegating to the next handler.
type Handler struct {
	Policy  Policy
	Key     func(*http.Request) string
	OnError func(error)
}

// Middleware implements the http.Handler middleware interface. Limiter
// failures let the request through.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Policy == nil || h.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := h.Policy.Take(r.Context(), h.Key(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(d.Limit, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds())
			headers.Set("Retry-After", strconv.Itoa(max(retryAfter, 0)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey keys requests by client IP under prefix.
func ClientKey(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + ":" + common.ClientIP(r)
	}
}
