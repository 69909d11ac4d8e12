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

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storefront-lab/orders/internal/handlers"
	"github.com/storefront-lab/orders/internal/platform/auth"
	"github.com/storefront-lab/orders/internal/platform/config"
	"github.com/storefront-lab/orders/internal/platform/idempotency"
	"github.com/storefront-lab/orders/internal/platform/notify"
	"github.com/storefront-lab/orders/internal/platform/observability"
	"github.com/storefront-lab/orders/internal/platform/secrets"
	"github.com/storefront-lab/orders/internal/repositories/memory"
	"github.com/storefront-lab/orders/internal/services"
)

const meterName = "github.com/storefront-lab/orders"

// idempotencyStore is the store surface main needs beyond the middleware contract.
type idempotencyStore interface {
	idempotency.Store
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	meter := otel.GetMeterProvider().Meter(meterName)

	fanout, err := buildFanout(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise notification sinks", zap.Error(err))
	}
	logger.Info("notification sinks configured", zap.Strings("sinks", fanout.Sinks()))

	store, healthChecks, err := buildIdempotencyStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	orders := memory.NewOrderRepository()
	registry := services.NewLifecycleRegistry(logger)
	lifecycle, err := services.NewOrderLifecycle(services.OrderLifecycleDeps{
		Orders:   orders,
		Registry: registry,
		Notifier: fanout,
		Timings: services.LifecycleTimings{
			ProcessingDelay: cfg.Lifecycle.ProcessingDelay,
			ShippingDelay:   cfg.Lifecycle.ShippingDelay,
			DeliveryMin:     cfg.Lifecycle.DeliveryMin,
			DeliveryMax:     cfg.Lifecycle.DeliveryMax,
			ExpiryDelay:     cfg.Lifecycle.ExpiryDelay,
		},
		Metrics: observability.NewLifecycleMetrics(meter, logger.Named("metrics")),
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to initialise order lifecycle", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    orders,
		Lifecycle: lifecycle,
		Notifier:  fanout,
		Clock:     time.Now,
		Logger:    observability.EventLogger(logger.Named("service")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	resolver := buildResolver(logger.Named("auth"), cfg)
	orderHandlers := handlers.NewOrderHandlers(orderService,
		handlers.WithCreateMiddlewares(idempotency.Middleware(store,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithMaxBodyBytes(handlers.MaxOrderBodySize),
		)),
	)

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, startedAt)),
	}
	for name, check := range healthChecks {
		healthOpts = append(healthOpts, handlers.WithHealthCheck(name, check))
	}

	projectID := strings.TrimSpace(cfg.Telemetry.ProjectID)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			resolver.Middleware,
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(signalCtx)
	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	g.Go(func() error {
		serverLogger.Info("order service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Idempotency.CleanupInterval > 0 {
		g.Go(func() error {
			runIdempotencyCleanup(gctx, logger.Named("idempotency"), store, cfg.Idempotency.CleanupInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received; draining requests")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("lifecycle tasks did not stop in time", zap.Int("active", registry.Active()), zap.Error(err))
		}
		if err := fanout.Close(); err != nil {
			logger.Warn("notification sink close error", zap.Error(err))
		}
		if closer, ok := store.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("idempotency store close error", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("order service stopped with error", zap.Error(err))
		return
	}
	logger.Info("order service stopped")
}

func buildFanout(ctx context.Context, logger *zap.Logger, cfg config.Config) (*notify.Fanout, error) {
	var sinks []notify.Sink

	var httpOpts []notify.HTTPOption
	if secret := strings.TrimSpace(cfg.Notify.SigningSecret); secret != "" {
		httpOpts = append(httpOpts, notify.WithSigner(auth.NewRequestSigner(secret)))
	}
	// Typed nil pointers would pass the fanout's nil check, so disabled sinks are skipped here.
	if sink := notify.NewHTTPSink(cfg.Notify.UserServiceURL, httpOpts...); sink != nil {
		sinks = append(sinks, sink)
	}

	kafkaSink, err := notify.NewKafkaSink(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
	if err != nil {
		return nil, err
	}
	if kafkaSink != nil {
		sinks = append(sinks, kafkaSink)
	}

	if cfg.Notify.PubSubProject != "" && cfg.Notify.PubSubTopic != "" {
		pubsubSink, err := notify.NewPubSubSink(ctx, cfg.Notify.PubSubProject, cfg.Notify.PubSubTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pubsubSink)
	}

	return notify.NewFanout(logger.Named("notify"), cfg.Notify.Timeout, sinks...), nil
}

func buildIdempotencyStore(ctx context.Context, cfg config.Config) (idempotencyStore, map[string]handlers.HealthCheck, error) {
	redisURL := strings.TrimSpace(cfg.Idempotency.RedisURL)
	if redisURL == "" {
		return idempotency.NewMemoryStore(), nil, nil
	}
	store, err := idempotency.NewRedisStore(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}
	return store, map[string]handlers.HealthCheck{"redis": store.Ping}, nil
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotencyStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), 500)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildResolver(logger *zap.Logger, cfg config.Config) *auth.Resolver {
	opts := []auth.ResolverOption{
		auth.WithResolverLogger(logger),
		auth.WithLenientTokens(cfg.Auth.LenientTokens),
		auth.WithTrustedAdminHeader(cfg.Auth.TrustAdminHeader),
		auth.WithAdminSubjectPrefixes(cfg.Auth.AdminSubjectPrefixes...),
	}
	if secret := strings.TrimSpace(cfg.Auth.JWTSecret); secret != "" {
		opts = append(opts, auth.WithHS256Secret(secret))
	}
	if url := strings.TrimSpace(cfg.Auth.JWKSURL); url != "" {
		opts = append(opts, auth.WithKeySource(auth.NewJWKSCache(url, auth.WithJWKSLogger(logger))))
	}
	if issuer := strings.TrimSpace(cfg.Auth.Issuer); issuer != "" {
		opts = append(opts, auth.WithIssuer(issuer))
	}
	return auth.NewResolver(opts...)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project := lookup("ORDERS_SECRETS_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookup("ORDERS_SECRETS_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func buildInfoFromEnv(env map[string]string, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["ORDERS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ORDERS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(env["ORDERS_ENVIRONMENT"])
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}
