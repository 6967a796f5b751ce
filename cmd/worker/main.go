package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/order-console/internal/app"
	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/config"
	"github.com/noah-isme/order-console/internal/health"
	"github.com/noah-isme/order-console/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.New(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	var metricsSrv *http.Server
	if cfg.Obs.EnablePrometheus {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, deps.MetricsRegistry)
		if addr := strings.TrimSpace(cfg.Obs.WorkerMetricsAddr); addr != "" {
			metricsSrv = &http.Server{
				Addr:              addr,
				Handler:           opsHandler(prometheus.DefaultGatherer),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info().Str("addr", addr).Msg("worker metrics listening")
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("worker metrics server")
				}
			}()
		}
	}

	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	srv := asynq.NewServer(deps.RedisConnOpt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{"default": 1},
		Logger:          asynqLogger{logger: logger},
		ShutdownTimeout: 30 * time.Second,
	})
	mux := asynq.NewServeMux()
	mux.Handle(catalog.TypeRefresh, catalog.RefreshHandler{Refresher: deps.Catalog, Logger: logger})

	scheduler := asynq.NewScheduler(deps.RedisConnOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   asynqLogger{logger: logger},
	})
	if spec := strings.TrimSpace(cfg.CatalogRefreshCron); spec != "" {
		task, err := catalog.NewRefreshTask("schedule", time.Now(), cfg.CatalogRefreshUniq)
		if err != nil {
			logger.Fatal().Err(err).Msg("build scheduled refresh task")
		}
		entryID, err := scheduler.Register(spec, task)
		if err != nil {
			logger.Fatal().Err(err).Str("cron", spec).Msg("register catalog refresh schedule")
		}
		logger.Info().Str("cron", spec).Str("entry_id", entryID).Msg("catalog refresh scheduled")
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}

	logger.Info().Int("concurrency", concurrency).Msg("worker starting")
	<-ctx.Done()

	scheduler.Shutdown()
	srv.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown worker metrics")
		}
		cancel()
	}
	logger.Info().Msg("worker shutdown complete")
}

// opsHandler serves the worker's metrics and liveness endpoints.
func opsHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", health.Handler{}.Live)
	return mux
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error().Msg(fmt.Sprint(args...))
	os.Exit(1)
}
