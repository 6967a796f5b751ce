package upstream

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/order-console/internal/resilience"
)

// HTTPOptions tunes the outbound transport.
type HTTPOptions struct {
	Timeout             time.Duration
	MaxAttempts         int
	RetryBase           time.Duration
	RetryJitter         float64
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	Logger              zerolog.Logger
}

// NewHTTPClient returns a traced, retrying, breaker-guarded HTTP client for
// the upstream API.
func NewHTTPClient(opts HTTPOptions) resilience.HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	return resilience.HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "upstream " + r.Method + " " + r.URL.Path
				}),
			),
		},
		Breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Target:       "order-api",
			MinRequests:  opts.BreakerMinRequests,
			FailureRatio: opts.BreakerFailureRatio,
			OpenFor:      opts.BreakerOpenFor,
			Logger:       opts.Logger,
		}),
		BaseBackoff: opts.RetryBase,
		MaxAttempts: opts.MaxAttempts,
		Jitter:      opts.RetryJitter,
		Timeout:     opts.Timeout,
		Logger:      opts.Logger,
	}
}
