package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/core/ports"
	httphandlers "livecast/internal/handlers/http"
	"livecast/internal/infrastructure/identity"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	relayredis "livecast/internal/infrastructure/relay/redis"
	relayserver "livecast/internal/infrastructure/relay/server"
	"livecast/internal/infrastructure/repositories/memory"
	redisrepo "livecast/internal/infrastructure/repositories/redis"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livecast-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	provider := identity.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	health := monitoring.NewHealthChecker()

	var streams ports.StreamRepository
	var sweeper *relayredis.Sweeper

	switch cfg.Relay.Backend {
	case "redis":
		client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer redisrepo.CloseRedisClient(client)

		streams = redisrepo.NewRedisStreamRepository(client)
		sweeper = relayredis.NewSweeper(client, log, cfg.Presence.SweepInterval)
		sweeper.Start()
		defer sweeper.Stop()

		health.AddCheck("redis", func(ctx context.Context) (bool, error) {
			err := client.Ping(ctx).Err()
			return err == nil, err
		}, 2*time.Second)
	default:
		streams = memory.NewMemoryStreamRepository()
	}

	// Websocket relay endpoint.
	if cfg.Relay.Backend == "ws" {
		relaySrv := relayserver.NewServer(log)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", relaySrv.HandleWebSocket)

		go func() {
			log.Infow("relay websocket listening", "address", cfg.Relay.Address)
			if err := http.ListenAndServe(cfg.Relay.Address, mux); err != nil {
				log.Fatalw("relay server failed", "error", err)
			}
		}()

		health.AddCheck("relay", func(ctx context.Context) (bool, error) {
			return true, nil
		}, time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(rateLimit(cfg)))

	sessionHandler := httphandlers.NewSessionHandler(streams, provider)
	sessionHandler.SetupRoutes(router)

	router.GET("/health", health.Handler())

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			log.Infow("metrics listening", "address", addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infow("api listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("api server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("shutdown failed", "error", err)
	}
}

func rateLimit(cfg *config.Config) (float64, int) {
	if !cfg.RateLimiting.Enabled {
		return 0, 0
	}
	return cfg.RateLimiting.HTTP.RequestsPerSecond, cfg.RateLimiting.HTTP.Burst
}
