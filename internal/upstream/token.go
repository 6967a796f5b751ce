package upstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// tokenCache holds the bearer token until shortly before its exp claim.
type tokenCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

func (c *tokenCache) get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == "" || !now.Before(c.expiresAt) {
		return "", false
	}
	return c.value, true
}

func (c *tokenCache) set(value string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.expiresAt = expiresAt
}

func (c *tokenCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = ""
	c.expiresAt = time.Time{}
}

// tokenExpiry reads the exp claim without verifying the signature. Opaque
// tokens expire at now+fallback.
func tokenExpiry(raw string, now time.Time, skew, fallback time.Duration) time.Time {
	tok, err := jwt.ParseInsecure([]byte(strings.TrimSpace(raw)))
	if err != nil || tok.Expiration().IsZero() {
		return now.Add(fallback)
	}
	return tok.Expiration().Add(-skew)
}

// bearer returns a valid token, logging in when the cache is empty or stale.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.username == "" {
		return "", nil
	}
	now := c.now()
	if tok, ok := c.tokens.get(now); ok {
		return tok, nil
	}
	tok, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	c.tokens.set(tok.AccessToken, tokenExpiry(tok.AccessToken, now, c.tokenSkew, c.tokenFallbackTTL))
	return tok.AccessToken, nil
}
