// Package main is the entry point for the OmniGate services daemon.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/cache"
	"omnigate/internal/config"
	"omnigate/internal/events"
	"omnigate/internal/lock"
	"omnigate/internal/media"
	"omnigate/internal/monitoring"
	"omnigate/internal/pricing"
	"omnigate/internal/provider"
	"omnigate/internal/providererr"
	"omnigate/internal/realtime"
	"omnigate/internal/router"
	"omnigate/internal/task"
	"omnigate/internal/telemetry"
	"omnigate/internal/tracing"
	"omnigate/internal/video"
	"omnigate/internal/webhook"
)

const version = "0.1.0"

// envKeySource resolves provider API keys from the environment, e.g.
// OMNIGATE_OPENAI_API_KEY for the "openai" provider.
type envKeySource struct{}

func (envKeySource) APIKey(_ context.Context, providerID string) (string, error) {
	name := "OMNIGATE_" + strings.ToUpper(strings.ReplaceAll(providerID, "-", "_")) + "_API_KEY"
	key := os.Getenv(name)
	if key == "" {
		return "", fmt.Errorf("no API key configured for provider %q (%s)", providerID, name)
	}
	return key, nil
}

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger = buildLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	logger.Info("starting omnigate",
		"version", version,
		"metrics_port", cfg.Server.MetricsPort,
	)

	clock := clockwork.NewRealClock()
	metrics := telemetry.NewMetrics(nil)

	// PostgreSQL backs the task store, spend ledger and credential registry.
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.Database.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxConns)
	}
	if cfg.Database.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdle)
	}
	if cfg.Database.ConnMaxAge.Duration > 0 {
		db.SetConnMaxLifetime(cfg.Database.ConnMaxAge.Duration)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		logger.Error("database unreachable", "host", cfg.Database.Host, "error", err)
		os.Exit(1)
	}
	cancelPing()
	logger.Info("database connected", "host", cfg.Database.Host, "database", cfg.Database.Database)

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout.Duration,
		ReadTimeout:  cfg.Redis.ReadTimeout.Duration,
		WriteTimeout: cfg.Redis.WriteTimeout.Duration,
	})
	defer redisClient.Close()
	pingCtx, cancelPing = context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	cancelPing()
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	bus := events.NewInMemoryBus()
	defer bus.Close()

	cacheMgr := cache.NewManager(&cfg.Cache, redisClient, logger, metrics, clock)
	cacheMgr.Start()

	locks := buildLockService(cfg, db, redisClient, metrics, clock, logger)

	// Task engine plus the cancellation registry the orchestrator consults.
	taskStore := task.NewStore(db)
	taskEngine := task.NewEngine(taskStore, cacheMgr, bus, cfg.Tasks, logger, metrics, clock)
	cancels := task.NewRegistry(cfg.Tasks.RegistryPurgeGrace.Duration, logger, clock)

	pricer, err := pricing.NewService(cfg.Models, cfg.Aliases, logger, metrics)
	if err != nil {
		logger.Error("failed to build pricing service", "error", err)
		os.Exit(1)
	}
	recorder := pricing.NewRecorder(db, logger, metrics, clock)

	rtr, err := router.NewRouter(&cfg.Router, logger, metrics, clock)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}
	rtr.SetCostSource(pricer)

	credStore := providererr.NewPostgresCredentialStore(db)
	errTracker := providererr.NewTracker(cfg.ProviderErrors, redisClient, credStore, locks, cacheMgr, bus, logger, metrics, clock)
	rtr.SetProviderGate(errTracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mediaStore, err := media.NewS3Store(ctx, cfg.S3, logger, metrics, clock)
	if err != nil {
		logger.Error("failed to build media store", "bucket", cfg.S3.BucketName, "error", err)
		os.Exit(1)
	}
	if err := mediaStore.Provision(ctx); err != nil {
		logger.Warn("media store provisioning incomplete", "error", err)
	}

	providers := provider.NewRegistry(logger)

	orchestrator := video.NewOrchestrator(
		cfg.Video,
		rtr,
		providers,
		envKeySource{},
		taskEngine,
		cancels,
		mediaStore,
		pricer,
		recorder,
		errTracker,
		locks,
		bus,
		logger,
		metrics,
		clock,
	)
	orchestrator.Start()

	rtStore := realtime.NewStore(cfg.Realtime, redisClient, logger, metrics, clock)
	rtManager := realtime.NewManager(rtStore, cfg.Realtime, logger, metrics, clock)
	rtManager.Start()

	// Webhook delivery pipeline: event bus -> batching publisher -> HTTP
	// notifier behind a per-endpoint circuit breaker with redis dedup.
	notifier := webhook.NewNotifier(cfg.Webhooks.RequestTimeout.Duration, logger, clock)
	whBreaker := webhook.NewBreaker(cfg.Webhooks, redisClient, logger, metrics, clock)
	whTracker := webhook.NewTracker(redisClient, clock)
	deliverer := webhook.NewDeliverer(notifier, whBreaker, whTracker, logger, metrics)
	publisher := webhook.NewPublisher(cfg.Webhooks, deliverer, logger, metrics, clock)
	publisher.Start()
	unsubWebhooks := publisher.Attach(bus)

	cacheMonitor := monitoring.NewCacheMonitor(cfg.Monitoring, cacheMgr, bus, logger, metrics, clock)
	cacheMonitor.Start()

	alerts := monitoring.NewAudioAlertService(cfg.Alerting, rtStore, notifier, nil, logger, metrics, clock)
	alerts.Start()

	var exporter *tracing.Exporter
	if cfg.Tracing.EnableExport {
		exporter, err = tracing.NewExporter(ctx, cfg.Tracing, cfg.Telemetry.ServiceName, version, logger)
		if err != nil {
			logger.Error("failed to build trace exporter", "error", err)
			os.Exit(1)
		}
	}
	traceSvc := tracing.NewService(cfg.Tracing, exporter, logger, metrics, clock)
	traceSvc.Start()

	var metricsServer *http.Server
	if cfg.Telemetry.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", "addr", addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
				cancel()
			}
		}()
	}

	logger.Info("omnigate ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()

	// Shutdown order: stop intake first, drain in-flight work, then close
	// the backends everything else writes through.
	unsubWebhooks()
	if err := publisher.Close(); err != nil {
		logger.Warn("webhook publisher close", "error", err)
	}
	orchestrator.Close()
	cancels.CancelAll()
	alerts.Close()
	cacheMonitor.Close()
	rtManager.Close()
	if err := traceSvc.Close(); err != nil {
		logger.Warn("tracing close", "error", err)
	}
	recorder.Close()
	cacheMgr.Close()
	locks.Close()

	if metricsServer != nil {
		timeout := cfg.Server.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
		cancelShutdown()
	}

	logger.Info("omnigate stopped")
}

// buildLogger applies the configured format and level.
func buildLogger(cfg config.TelemetryConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildLockService selects the lock backend. Memory is the default; redis
// and postgres back multi-instance deployments.
func buildLockService(cfg *config.Config, db *sql.DB, client *redis.Client, metrics *telemetry.Metrics, clock clockwork.Clock, logger *slog.Logger) lock.Service {
	switch cfg.Lock.Backend {
	case "redis":
		logger.Info("lock backend", "backend", "redis")
		return lock.NewRedisService(client, metrics)
	case "postgres":
		logger.Info("lock backend", "backend", "postgres")
		return lock.NewPostgresService(db, metrics)
	default:
		logger.Info("lock backend", "backend", "memory")
		return lock.NewMemoryService(clock, cfg.Lock.SweepInterval.Duration, metrics)
	}
}
