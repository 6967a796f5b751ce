package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/order-console/internal/app"
	"github.com/noah-isme/order-console/internal/catalog"
	"github.com/noah-isme/order-console/internal/common"
	"github.com/noah-isme/order-console/internal/config"
	"github.com/noah-isme/order-console/internal/events"
	"github.com/noah-isme/order-console/internal/health"
	"github.com/noah-isme/order-console/internal/lock"
	"github.com/noah-isme/order-console/internal/obs"
	"github.com/noah-isme/order-console/internal/orderform"
	"github.com/noah-isme/order-console/internal/ratelimit"
	"github.com/noah-isme/order-console/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsEnabled := cfg.Obs.EnablePrometheus

	tracingEnabled := cfg.Obs.EnableTracing
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "order-console-api",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

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

	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, deps.MetricsRegistry)
	recorder := obs.DomainRecorder{}
	bus := &events.Bus{
		Notifiers: []events.Notifier{
			events.LogNotifier{Logger: logger},
			events.CounterNotifier{Inc: recorder.Event},
			events.RedisPublisher{Client: deps.Redis, Channel: cfg.EventsChannel},
		},
	}

	registry := orderform.NewRegistry(orderform.RegistryConfig{
		TTL:      cfg.SessionTTL,
		OnChange: recorder.SessionsOpen,
	})
	go registry.Run(ctx, time.Minute)

	formService, err := orderform.NewService(orderform.Config{
		Orders:     deps.Upstream,
		Catalog:    deps.Catalog,
		Locker:     lock.Locker{R: deps.Redis, Prefix: "lock:"},
		Events:     bus,
		Normalizer: deps.Normalizer,
		Registry:   registry,
		LockTTL:    cfg.SubmitLockTTL,
		Logger:     logger.With().Str("component", "orderform").Logger(),
		Recorder:   recorder,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise order form service")
	}

	searchPolicy, err := ratelimit.NewFixed(deps.Redis, cfg.RateLimitSearch, "rl:search:")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise search rate limit")
	}
	onLimitErr := func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") }
	searchLimit := ratelimit.Handler{Policy: searchPolicy, Key: ratelimit.ClientKey("search"), OnError: onLimitErr}
	submitLimit := ratelimit.Handler{
		Policy: ratelimit.Sliding{
			Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: "rl:submit:"},
			Window:  time.Minute,
			Max:     cfg.RateLimitSubmit,
		},
		Key:     ratelimit.ClientKey("submit"),
		OnError: onLimitErr,
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	formHandler := &orderform.Handler{
		Service:     formService,
		Validate:    deps.Validator,
		Logger:      logger,
		SearchLimit: searchLimit.Middleware,
		SubmitLimit: submitLimit.Middleware,
		Idempotency: idem.Middleware,
	}
	catalogAdmin := catalog.NewAdminHandler(catalog.AdminHandlerConfig{
		Queue:     deps.TaskClient,
		UniqueFor: cfg.CatalogRefreshUniq,
		Logger:    logger,
	})

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets)
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, buckets, deps.MetricsRegistry)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", common.IdempotencyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{Probes: []health.Probe{
		{
			Name:    "redis",
			Timeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
			Check:   func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		},
		{
			Name:    "upstream",
			Timeout: envDurationMillis("HEALTH_READY_UPSTREAM_TIMEOUT_MS", 1500),
			Check:   deps.Upstream.Ping,
		},
	}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
		formHandler.Mount(v)
		v.Post("/admin/catalog/refresh", catalogAdmin.Refresh)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	formService.Wait()
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
