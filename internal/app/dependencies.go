package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/config"
	"github.com/noah-isme/order-console/internal/currency"
	"github.com/noah-isme/order-console/internal/obs"
	"github.com/noah-isme/order-console/internal/upstream"
)

// Dependencies holds the infrastructure shared by the API server and the
// worker.
type Dependencies struct {
	Config          *config.Config
	Logger          zerolog.Logger
	Redis           *redis.Client
	Validator       *validator.Validate
	Normalizer      currency.Normalizer
	Upstream        *upstream.Client
	Catalog         *catalog.Service
	TaskClient      *asynq.Client
	RedisConnOpt    asynq.RedisConnOpt
	MetricsRegistry prometheus.Registerer
	TracerProvider  trace.TracerProvider
	MeterProvider   metric.MeterProvider
}

// New connects Redis and builds the upstream client, catalog service and
// task client. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	d := &Dependencies{
		Config:          cfg,
		Logger:          logger,
		Validator:       NewValidator(),
		MetricsRegistry: prometheus.DefaultRegisterer,
		TracerProvider:  otel.GetTracerProvider(),
		MeterProvider:   otel.GetMeterProvider(),
	}

	normalizer, err := NewNormalizer(cfg)
	if err != nil {
		return nil, err
	}
	d.Normalizer = normalizer

	rdb, err := NewRedis(ctx, cfg, logger, d.TracerProvider, d.MeterProvider)
	if err != nil {
		return nil, err
	}
	d.Redis = rdb

	connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: parse redis uri for queue: %w", err)
	}
	d.RedisConnOpt = connOpt
	d.TaskClient = asynq.NewClient(connOpt)

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:  cfg.UpstreamBaseURL,
		Username: cfg.UpstreamUsername,
		Password: cfg.UpstreamPassword,
		HTTP: upstream.NewHTTPClient(upstream.HTTPOptions{
			Timeout:             cfg.UpstreamTimeout,
			MaxAttempts:         cfg.UpstreamRetryMaxAttempts,
			RetryBase:           cfg.UpstreamRetryBase,
			RetryJitter:         cfg.UpstreamRetryJitterPercent,
			BreakerMinRequests:  cfg.UpstreamBreakerMinRequests,
			BreakerFailureRatio: cfg.UpstreamBreakerFailureRatio,
			BreakerOpenFor:      cfg.UpstreamBreakerOpenFor,
			Logger:              logger,
		}),
		Logger: logger.With().Str("component", "upstream").Logger(),
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Upstream = client

	catalogSvc, err := catalog.NewService(catalog.ServiceConfig{
		Source:   upstream.CatalogSource{Client: client},
		Cache:    catalog.NewCache(rdb, cfg.CatalogCacheTTL),
		PageSize: cfg.CatalogPageSize,
		Logger:   logger.With().Str("component", "catalog").Logger(),
		Recorder: obs.DomainRecorder{},
	})
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Catalog = catalogSvc
	return d, nil
}

// Close releases the Redis connection and the task client.
func (d *Dependencies) Close() error {
	var errs []error
	if d.TaskClient != nil {
		errs = append(errs, d.TaskClient.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}

// Tracer returns a tracer from the configured provider.
func (d *Dependencies) Tracer(name string) trace.Tracer {
	return d.TracerProvider.Tracer(name)
}

// NewRedis connects to Redis and instruments the client for tracing and
// metrics.
func NewRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tp trace.TracerProvider, mp metric.MeterProvider) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if cfg.Obs.EnableTracing {
		if err := redisotel.InstrumentTracing(rdb, redisotel.WithTracerProvider(tp)); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if cfg.Obs.EnablePrometheus {
		if err := redisotel.InstrumentMetrics(rdb, redisotel.WithMeterProvider(mp)); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	return rdb, nil
}

// NewNormalizer builds the currency normalizer from the configured reference
// and fallback currencies and rate overrides.
func NewNormalizer(cfg *config.Config) (currency.Normalizer, error) {
	overrides, err := currency.ParseRates(cfg.CurrencyRates)
	if err != nil {
		return currency.Normalizer{}, err
	}
	table, err := currency.NewRateTable(
		currency.Code(cfg.ReferenceCurrency),
		currency.Code(cfg.FallbackCurrency),
		currency.Merge(currency.DefaultRates(), overrides),
	)
	if err != nil {
		return currency.Normalizer{}, err
	}
	return currency.NewNormalizer(table), nil
}

// NewValidator returns a validator that reports JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
