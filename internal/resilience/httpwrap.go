package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// IdempotencyHeader marks a non-idempotent request as safe to retry.
const IdempotencyHeader = "Idempotency-Key"

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// StatusError reports an upstream response that exhausted retries.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string { return "upstream responded " + e.Status }

// Do executes req with retries. Only idempotent methods, or requests carrying
// an Idempotency-Key header, are retried. 5xx responses and transport errors
// count as breaker failures; 429 is retried but does not trip the breaker.
// When the breaker is open ErrOpenCircuit is returned.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{MinRequests: 1, FailureRatio: 1, OpenFor: time.Second})
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 || !retryable(req) {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !breaker.Allow(ctx) {
			Attempts.WithLabelValues(breaker.Target(), req.Method, "rejected").Inc()
			return nil, ErrOpenCircuit
		}
		attemptReq := cloneRequest(ctx, req, body)
		resp, err := cl.doOnce(ctx, attemptReq)
		wait := Backoff(baseBackoff, attempt, cl.Jitter)
		switch {
		case err != nil:
			breaker.Report(ctx, false)
			Attempts.WithLabelValues(breaker.Target(), req.Method, "error").Inc()
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests:
			breaker.Report(ctx, true)
			Attempts.WithLabelValues(breaker.Target(), req.Method, "throttled").Inc()
			if ra := retryAfter(resp.Header.Get("Retry-After")); ra > 0 {
				wait = ra
			}
			if attempt == maxAttempts {
				return resp, nil
			}
			drain(resp)
			lastErr = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		case resp.StatusCode >= 500:
			breaker.Report(ctx, false)
			Attempts.WithLabelValues(breaker.Target(), req.Method, "server_error").Inc()
			if attempt == maxAttempts {
				return resp, nil
			}
			drain(resp)
			lastErr = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		default:
			breaker.Report(ctx, true)
			Attempts.WithLabelValues(breaker.Target(), req.Method, "ok").Inc()
			return resp, nil
		}
		if attempt == maxAttempts {
			break
		}
		cl.Logger.Debug().
			Str("target", breaker.Target()).
			Str("method", req.Method).
			Str("url", req.URL.Redacted()).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(lastErr).
			Msg("retrying upstream request")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, lastErr)
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		return cl.Client.Do(req.WithContext(ctx))
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the per-attempt timeout once the caller is done
// reading the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func retryable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return req.Header.Get(IdempotencyHeader) != ""
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}
