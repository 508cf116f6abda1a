package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/auth"
	"github.com/md-rashed-zaman/merchantbilling/libs/config"
	"github.com/md-rashed-zaman/merchantbilling/libs/db"
	"github.com/md-rashed-zaman/merchantbilling/libs/errreport"
	"github.com/md-rashed-zaman/merchantbilling/libs/grpcx"
	"github.com/md-rashed-zaman/merchantbilling/libs/httpx"
	"github.com/md-rashed-zaman/merchantbilling/libs/kafkax"
	otelx "github.com/md-rashed-zaman/merchantbilling/libs/otel"
	"github.com/md-rashed-zaman/merchantbilling/libs/runtime"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/international"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/checkout/local"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/entitlements"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/grpcserver"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/handlers"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/locks"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/outbox"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/reconcile"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/storage"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/subscriptions"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/tiers"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/migrations"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	service := config.String("SERVICE_NAME", "billing-service")
	logger := runtime.NewLogger(service)
	if err := run(service, logger); err != nil {
		logger.Error("billing service exited", "err", err)
		os.Exit(1)
	}
}

func run(service string, logger *slog.Logger) error {
	port, err := config.Port("PORT", "8084")
	if err != nil {
		return err
	}
	grpcPort, err := config.Port("GRPC_PORT", "9091")
	if err != nil {
		return err
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			if err := runtime.Drain(5*time.Second, otelShutdown); err != nil {
				logger.Error("otel shutdown error", "err", err)
			}
		}()
	}

	flush, err := errreport.Init(errreport.Config{
		DSN:         config.String("SENTRY_DSN", ""),
		Environment: config.String("ENVIRONMENT", "development"),
		Release:     config.String("RELEASE", ""),
		ServiceName: service,
	})
	if err != nil {
		logger.Error("sentry init failed", "err", err)
	}
	defer flush()

	m := metrics.New()

	store, source, closeStore, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
	}

	gateway := checkout.NewGateway(store, logger, checkout.Config{
		Timeout:     config.Duration("PROVIDER_TIMEOUT", 10*time.Second),
		MaxAttempts: uint(config.Int("PROVIDER_MAX_ATTEMPTS", 3)),
		Currency:    config.String("BILLING_CURRENCY", "EUR"),
		RetryAfter:  config.Duration("PROVIDER_RETRY_AFTER", 30*time.Second),
		SessionTTL:  config.Duration("CHECKOUT_SESSION_TTL", time.Hour),
	}, providers()...)
	gateway.SetObserver(func(p billing.Provider, op, outcome string, elapsed time.Duration) {
		m.ProviderCall(string(p), op, outcome, elapsed)
	})

	subs := subscriptions.New(store, gateway, logger)
	subs.OnTransition(func(a billing.Action) { m.Transition(string(a)) })

	var locker locks.Locker = locks.NewLocal()
	if rdb != nil {
		locker = locks.NewRedis(rdb, "billing:lock:", config.Duration("LOCK_TTL", 10*time.Second), logger)
	}
	facade := entitlements.New(entitlements.Deps{
		Subscriptions: subs,
		Gateway:       gateway,
		Locker:        locker,
		Metrics:       m,
		Logger:        logger,
	})

	verifier := newVerifier()
	brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "store", Check: store.Ping},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers), Optional: true},
	)
	mux.Handle("/metrics", m.Handler())
	handlers.New(facade, logger).Register(mux, auth.RequireAuth(verifier))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, m.HTTPRequest),
		httpx.WithRecover(logger, errreport.CaptureRequest),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   config.List("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders:   config.List("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id"),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
		// Provider retries arrive in bursts from a few IPs; signatures guard that path.
		httpx.Unless(httpx.PathPrefix("/api/v1/billing/webhooks/"), rateLimit(rdb, logger)),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(handler, "billing"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, health := grpcx.NewServer(logger)
	grpcserver.Register(grpcServer, facade, verifier)
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+grpcPort)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		health.Shutdown()
		err := runtime.Drain(10*time.Second, srv.Shutdown, func(context.Context) error {
			grpcServer.GracefulStop()
			return nil
		})
		if err != nil {
			logger.Error("server shutdown error", "err", err)
		}
		logger.Info("servers stopped")
		return nil
	})

	if len(brokers) > 0 {
		writer := outbox.NewKafkaWriter(brokers)
		defer func() { _ = writer.Close() }()
		publisher := outbox.NewPublisher(source, writer, logger, outbox.PublisherConfig{
			PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		publisher.OnPublish(m.OutboxPublished)
		g.Go(func() error { return publisher.Run(gctx) })
	} else {
		logger.Warn("KAFKA_BROKERS not set; outbox events stay unpublished")
	}

	if config.Bool("SWEEP_ENABLED", true) {
		sweeper := reconcile.New(store, subs, gateway, m, logger, reconcile.Config{
			Schedule:     config.String("SWEEP_SCHEDULE", "@every 5m"),
			BatchSize:    config.Int("SWEEP_BATCH_SIZE", 200),
			LeaderKey:    int64(config.Int("SWEEP_LEADER_KEY", 4242001)),
			RenewalGrace: config.Duration("SWEEP_RENEWAL_GRACE", 72*time.Hour),
		})
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	return g.Wait()
}

// openStore picks Postgres when DATABASE_URL is set and the in-memory store otherwise.
// The returned source feeds the outbox publisher.
func openStore(ctx context.Context, logger *slog.Logger) (storage.Store, outbox.Source, func(), error) {
	dbURL := config.String("DATABASE_URL", "")
	if dbURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		mem := storage.NewMemory()
		return mem, mem, func() {}, nil
	}
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 10))})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if config.Bool("DB_MIGRATE", true) {
		applied, err := db.Migrate(ctx, pool, migrations.FS)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", "files", applied)
		}
	}
	repo := outbox.NewRepository(pool)
	return storage.NewPostgres(pool, repo), repo, pool.Close, nil
}

func providers() []checkout.PaymentProvider {
	prices := map[string]string{}
	for _, t := range tiers.All() {
		for _, iv := range []tiers.Interval{tiers.Monthly, tiers.Yearly} {
			key := "STRIPE_PRICE_" + strings.ToUpper(string(t.ID)) + "_" + strings.ToUpper(string(iv))
			if id := config.String(key, ""); id != "" {
				prices[international.PriceKey(t.ID, iv)] = id
			}
		}
	}
	return []checkout.PaymentProvider{
		local.New(local.Config{
			BaseURL:       config.String("LOCAL_PAY_BASE_URL", "http://localhost:9400"),
			APIKey:        config.String("LOCAL_PAY_API_KEY", ""),
			WebhookSecret: config.String("LOCAL_PAY_WEBHOOK_SECRET", ""),
			PublicKey:     config.String("LOCAL_PAY_PUBLIC_KEY", ""),
			ScriptURL:     config.String("LOCAL_PAY_SCRIPT_URL", ""),
			Tolerance:     config.Duration("LOCAL_PAY_WEBHOOK_TOLERANCE", 5*time.Minute),
		}),
		international.New(international.Config{
			SecretKey:     config.String("STRIPE_SECRET_KEY", ""),
			WebhookSecret: config.String("STRIPE_WEBHOOK_SECRET", ""),
			Tolerance:     config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			SuccessURL:    config.String("CHECKOUT_SUCCESS_URL", ""),
			CancelURL:     config.String("CHECKOUT_CANCEL_URL", ""),
			Prices:        prices,
			TrialDays:     config.Int("STRIPE_TRIAL_DAYS", 0),
		}),
	}
}

func newVerifier() *auth.Verifier {
	var jwks *auth.JWKSClient
	if url := config.String("JWKS_URL", ""); url != "" {
		jwks = auth.NewJWKSClient(url, config.Duration("JWKS_CACHE_TTL", 5*time.Minute), &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	}
	return auth.NewVerifier(config.String("JWT_SECRET", "dev-secret"), jwks)
}

func rateLimit(rdb *redis.Client, logger *slog.Logger) httpx.Middleware {
	perMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if rdb != nil {
		rl := httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "billing:rl"), nil)
		logger.Info("rate limiting enabled (redis)", "per_minute", perMinute)
		return rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	logger.Info("rate limiting enabled (in-memory)", "per_minute", perMinute)
	return httpx.NewRateLimiter(perMinute, time.Minute, nil).Middleware()
}
