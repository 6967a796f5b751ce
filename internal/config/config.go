package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	UpstreamBaseURL             string
	UpstreamUsername            string
	UpstreamPassword            string
	UpstreamTimeout             time.Duration
	UpstreamRetryMaxAttempts    int
	UpstreamRetryBase           time.Duration
	UpstreamRetryJitterPercent  float64
	UpstreamBreakerMinRequests  int
	UpstreamBreakerFailureRatio float64
	UpstreamBreakerOpenFor      time.Duration

	ReferenceCurrency string
	FallbackCurrency  string
	CurrencyRates     string

	CatalogPageSize    int
	CatalogCacheTTL    time.Duration
	CatalogRefreshCron string
	CatalogRefreshUniq time.Duration

	SessionTTL      time.Duration
	SubmitLockTTL   time.Duration
	IdempotencyTTL  time.Duration
	RateLimitSearch string
	RateLimitSubmit int
	BodyLimitBytes  int64
	EventsChannel   string

	QueueConcurrency int

	Obs Observability
}

// Observability groups logging, metrics and tracing settings.
type Observability struct {
	LogFormat         string
	LogLevel          string
	EnablePrometheus  bool
	EnableTracing     bool
	OTLPEndpoint      string
	SamplingRatio     float64
	MetricsNamespace  string
	MetricsBuckets    string
	// WorkerMetricsAddr is where the worker serves /metrics; empty disables it.
	WorkerMetricsAddr string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		UpstreamBaseURL:             strings.TrimRight(strings.TrimSpace(k.String("UPSTREAM_BASE_URL")), "/"),
		UpstreamUsername:            strings.TrimSpace(k.String("UPSTREAM_USERNAME")),
		UpstreamPassword:            k.String("UPSTREAM_PASSWORD"),
		UpstreamTimeout:             parseDuration(k.String("UPSTREAM_TIMEOUT"), "5s"),
		UpstreamRetryMaxAttempts:    parseInt(k.String("UPSTREAM_RETRY_MAX_ATTEMPTS"), 3),
		UpstreamRetryBase:           parseDuration(k.String("UPSTREAM_RETRY_BASE"), "200ms"),
		UpstreamRetryJitterPercent:  parseFloat(k.String("UPSTREAM_RETRY_JITTER_PERCENT"), 0.2),
		UpstreamBreakerMinRequests:  parseInt(k.String("UPSTREAM_BREAKER_MIN_REQUESTS"), 10),
		UpstreamBreakerFailureRatio: parseFloat(k.String("UPSTREAM_BREAKER_FAILURE_RATIO"), 0.5),
		UpstreamBreakerOpenFor:      parseDuration(k.String("UPSTREAM_BREAKER_OPEN_FOR"), "30s"),

		ReferenceCurrency: strings.ToUpper(valueOrDefault(k.String("REFERENCE_CURRENCY"), "SGD")),
		FallbackCurrency:  strings.ToUpper(valueOrDefault(k.String("FALLBACK_CURRENCY"), "USD")),
		CurrencyRates:     strings.TrimSpace(k.String("CURRENCY_RATES")),

		CatalogPageSize:    parseInt(k.String("CATALOG_PAGE_SIZE"), 100),
		CatalogCacheTTL:    parseDuration(k.String("CATALOG_CACHE_TTL"), "10m"),
		CatalogRefreshCron: valueOrDefault(k.String("CATALOG_REFRESH_CRON"), "@every 5m"),
		CatalogRefreshUniq: parseDuration(k.String("CATALOG_REFRESH_UNIQUE_FOR"), "1m"),

		SessionTTL:      parseDuration(k.String("SESSION_TTL"), "30m"),
		SubmitLockTTL:   parseDuration(k.String("SUBMIT_LOCK_TTL"), "10s"),
		IdempotencyTTL:  parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitSearch: valueOrDefault(k.String("RATE_LIMIT_SEARCH"), "30-S"),
		RateLimitSubmit: parseInt(k.String("RATE_LIMIT_SUBMIT_PER_MIN"), 20),
		BodyLimitBytes:  int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		EventsChannel:   valueOrDefault(k.String("EVENTS_CHANNEL"), "console:events"),

		QueueConcurrency: parseInt(k.String("QUEUE_CONCURRENCY"), 2),

		Obs: Observability{
			LogFormat:         valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:          valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			EnablePrometheus:  parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:     parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
			OTLPEndpoint:      strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:     parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			MetricsNamespace:  valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "console"),
			MetricsBuckets:    k.String("OBS_METRICS_BUCKETS_MS"),
			WorkerMetricsAddr: valueOrDefault(k.String("OBS_WORKER_METRICS_ADDR"), ":9091"),
		},
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.UpstreamBaseURL == "" {
		return nil, errors.New("UPSTREAM_BASE_URL is required")
	}
	if cfg.ReferenceCurrency == cfg.FallbackCurrency {
		return nil, errors.New("FALLBACK_CURRENCY must differ from REFERENCE_CURRENCY")
	}
	if cfg.CatalogPageSize <= 0 {
		return nil, errors.New("CATALOG_PAGE_SIZE must be positive")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return parsed
	}
	return fallback
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
