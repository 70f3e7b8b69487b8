package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/api"
	"github.com/felipepmaragno/foundry-gateway/internal/auth"
	"github.com/felipepmaragno/foundry-gateway/internal/cache"
	"github.com/felipepmaragno/foundry-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/foundry-gateway/internal/config"
	"github.com/felipepmaragno/foundry-gateway/internal/gateway"
	"github.com/felipepmaragno/foundry-gateway/internal/httputil"
	"github.com/felipepmaragno/foundry-gateway/internal/metrics"
	"github.com/felipepmaragno/foundry-gateway/internal/moderation"
	"github.com/felipepmaragno/foundry-gateway/internal/notifications"
	"github.com/felipepmaragno/foundry-gateway/internal/provider/foundry"
	"github.com/felipepmaragno/foundry-gateway/internal/repository"
	"github.com/felipepmaragno/foundry-gateway/internal/secrets"
	"github.com/felipepmaragno/foundry-gateway/internal/telemetry"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

var version = "0.1.0"

func main() {
	if len(os.Args) == 3 && os.Args[1] == "hash-key" {
		hash, err := api.HashClientKey(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := config.NewEnvSource(config.EnvBindings)
	bootstrap, err := config.Load(env)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(bootstrap.LogLevel)

	src, err := loadSources(ctx, env, bootstrap)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(src)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	gatewayCfg := config.ResolveGateway(src)
	moderationCfg := config.ResolveModeration(src)

	slog.Info("starting foundry gateway",
		"addr", cfg.Addr,
		"version", version,
		"deployment", gatewayCfg.Deployment,
		"moderation", moderationCfg.Enabled,
	)

	api.Version = version
	metrics.InitInstanceMetrics(version, gatewayCfg.Deployment)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.DefaultServiceName, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Warn("failed to initialize tracing", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis, using in-memory state", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			slog.Info("connected to redis")
		}
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	httpClient := httputil.NewClient(httputil.DefaultConfig().WithRequestTimeout(cfg.RequestTimeout))
	credential := auth.NewDefaultCredential()

	client := foundry.New(httpClient, auth.New(auth.HeaderAPIKey, credential),
		foundry.WithNotFoundHints(cfg.CompletionHints),
		foundry.WithTimeout(cfg.RequestTimeout),
	)

	gatewayOpts := []gateway.Option{}
	if moderationCfg.Enabled {
		var verdictCache cache.Cache
		if redisClient != nil {
			verdictCache = cache.NewRedisCacheWithClient(redisClient)
			slog.Info("using redis verdict cache")
		} else {
			memCache := cache.NewInMemoryCache()
			defer memCache.Close()
			verdictCache = memCache
			slog.Info("using in-memory verdict cache")
		}

		contentSafety := moderation.NewContentSafety(moderationCfg, auth.New(auth.HeaderSubscription, credential), httpClient)
		gatewayOpts = append(gatewayOpts, gateway.WithModerator(
			moderation.NewCached(contentSafety, verdictCache, cfg.ModerationCacheTTL, contentSafety.Threshold()),
		))
		if cfg.RejectAsError {
			gatewayOpts = append(gatewayOpts, gateway.WithRejectionError())
		}
		slog.Info("content moderation enabled", "threshold", contentSafety.Threshold())
	} else {
		slog.Warn("content moderation disabled, all prompts are treated as safe")
	}

	gw := gateway.New(gatewayCfg, client, gatewayOpts...)
	if !gw.Configured() {
		slog.Warn("foundry endpoint is not configured, chat requests will fail until it is set")
	}

	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("using sns notifications", "topic", cfg.SNSTopicARN)
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}
	notifier = notifications.NewDeduplicating(notifier, 5*time.Minute)

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithStateChange(func(deployment string, from, to circuitbreaker.State) {
			notifyBreaker(notifier, deployment, from, to)
		}),
	}
	if cfg.UseDistributedCircuitBreaker && redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(redisClient))
		slog.Info("using distributed circuit breaker")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	var calls repository.CallRepository
	if db != nil {
		pg := repository.NewPostgresCallRepository(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare call records table", "error", err)
			os.Exit(1)
		}
		calls = pg
		slog.Info("recording calls in postgres")
	} else {
		calls = repository.NewInMemoryCallRepository(1000)
	}

	var clientKey *api.ClientKeyAuth
	if cfg.ClientKeyHash != "" {
		clientKey, err = api.NewClientKeyAuth(cfg.ClientKeyHash)
		if err != nil {
			slog.Error("invalid client key hash", "error", err)
			os.Exit(1)
		}
		slog.Info("client key required for chat endpoints")
	}

	checkers := []api.HealthChecker{api.NewGatewayConfigChecker(gw)}
	if redisClient != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:             gw,
		Breakers:            breakers,
		Calls:               calls,
		Notifier:            notifier,
		ClientKey:           clientKey,
		Checkers:            checkers,
		ModerationThreshold: moderationCfg.Threshold,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// loadSources layers the environment over the optional Secrets Manager
// payload and the YAML file.
func loadSources(ctx context.Context, env *config.EnvSource, bootstrap *config.Config) (config.Layered, error) {
	file, err := config.LoadYAMLFile(bootstrap.ConfigFile)
	if err != nil {
		return nil, err
	}

	if bootstrap.APIKeySecret == "" {
		return config.Layered{env, file}, nil
	}

	store, err := secrets.NewAWSSecretsManager(ctx, bootstrap.AWSRegion)
	if err != nil {
		return nil, err
	}
	fromSecret, err := secrets.LoadConfigSource(ctx, store, bootstrap.APIKeySecret)
	if err != nil {
		return nil, err
	}

	return config.Layered{env, fromSecret, file}, nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func notifyBreaker(notifier notifications.Notifier, deployment string, from, to circuitbreaker.State) {
	n := notifications.Notification{
		Deployment: deployment,
		Message:    fmt.Sprintf("circuit breaker for %s changed from %s to %s", deployment, from, to),
		Data:       map[string]any{"from": from.String(), "to": to.String()},
	}
	switch to {
	case circuitbreaker.StateOpen:
		n.Type = notifications.NotificationCircuitOpen
	case circuitbreaker.StateClosed:
		n.Type = notifications.NotificationCircuitClosed
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := notifier.Send(ctx, n); err != nil {
		slog.Warn("failed to send circuit breaker notification", "error", err, "deployment", deployment)
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
