package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"REDIS_URL":                 "redis://localhost:6379/0",
		"UPSTREAM_BASE_URL":         "http://api.local/",
		"PORT":                      "",
		"REFERENCE_CURRENCY":        "",
		"FALLBACK_CURRENCY":         "",
		"SESSION_TTL":               "",
		"RATE_LIMIT_SEARCH":         "",
		"CATALOG_PAGE_SIZE":         "",
		"OBS_ENABLE_PROMETHEUS":     "",
		"UPSTREAM_BREAKER_OPEN_FOR": "",
		"OBS_WORKER_METRICS_ADDR":   "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "http://api.local", cfg.UpstreamBaseURL)
	require.Equal(t, "SGD", cfg.ReferenceCurrency)
	require.Equal(t, "USD", cfg.FallbackCurrency)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, "30-S", cfg.RateLimitSearch)
	require.Equal(t, 100, cfg.CatalogPageSize)
	require.Equal(t, 30*time.Second, cfg.UpstreamBreakerOpenFor)
	require.True(t, cfg.Obs.EnablePrometheus)
	require.Equal(t, ":9091", cfg.Obs.WorkerMetricsAddr)
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = ":9090"
	env["FALLBACK_CURRENCY"] = "eur"
	env["SESSION_TTL"] = "5m"
	env["CATALOG_PAGE_SIZE"] = "25"
	env["OBS_ENABLE_PROMETHEUS"] = "off"
	env["UPSTREAM_BREAKER_OPEN_FOR"] = "not-a-duration"
	env["OBS_WORKER_METRICS_ADDR"] = "127.0.0.1:9100"

	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, "EUR", cfg.FallbackCurrency)
	require.Equal(t, 5*time.Minute, cfg.SessionTTL)
	require.Equal(t, 25, cfg.CatalogPageSize)
	require.False(t, cfg.Obs.EnablePrometheus)
	require.Equal(t, "127.0.0.1:9100", cfg.Obs.WorkerMetricsAddr)
	require.Equal(t, 30*time.Second, cfg.UpstreamBreakerOpenFor)
}

func TestLoadRequiresRedisAndUpstream(t *testing.T) {
	env := baseEnv()
	env["REDIS_URL"] = ""
	_, err := config.LoadForTests(env)
	require.ErrorContains(t, err, "REDIS_URL")

	env = baseEnv()
	env["UPSTREAM_BASE_URL"] = ""
	_, err = config.LoadForTests(env)
	require.ErrorContains(t, err, "UPSTREAM_BASE_URL")
}

func TestLoadRejectsSameReferenceAndFallback(t *testing.T) {
	env := baseEnv()
	env["FALLBACK_CURRENCY"] = "SGD"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}
