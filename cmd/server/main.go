package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/manpreetbhatti/reviewroom/internal/api"
	"github.com/manpreetbhatti/reviewroom/internal/auth"
	"github.com/manpreetbhatti/reviewroom/internal/bus"
	"github.com/manpreetbhatti/reviewroom/internal/config"
	"github.com/manpreetbhatti/reviewroom/internal/db"
	"github.com/manpreetbhatti/reviewroom/internal/logging"
	"github.com/manpreetbhatti/reviewroom/internal/metrics"
	"github.com/manpreetbhatti/reviewroom/internal/presence"
	"github.com/manpreetbhatti/reviewroom/internal/refresh"
	"github.com/manpreetbhatti/reviewroom/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{})
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	database, err := db.New(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			// Presence degrades on its own; keep serving.
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis is not reachable")
		} else {
			logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		}
	}

	var store presence.Store
	switch cfg.PresenceBackend {
	case "redis":
		store = presence.NewRedisStore(redisClient, cfg.PresenceTTL, logger, m)
	default:
		store = presence.NewMemoryStore(cfg.PresenceTTL)
	}

	hubOpts := []ws.HubOption{
		ws.WithSendBuffer(cfg.SendBuffer),
		ws.WithOverflowPolicy(ws.OverflowPolicy(cfg.OverflowPolicy)),
	}
	switch cfg.BroadcastBackend {
	case "redis":
		hubOpts = append(hubOpts, ws.WithBus(bus.NewRedisBus(redisClient, logger)))
	case "nats":
		natsBus, err := bus.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer natsBus.Close()
		hubOpts = append(hubOpts, ws.WithBus(natsBus))
	}
	hub := ws.NewHub(logger, m, hubOpts...)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	server := ws.NewServer(verifier, database, store, hub, ws.Options{
		MaxMessageSize:    cfg.MaxMessageSize,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	}, logger, m)

	refresher := refresh.New(server.Registry(), store, refresh.Config{Interval: cfg.PresenceRefresh}, logger)
	refresher.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/room/{roomCode}", server.ServeWs)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	api.New(server, store, database, verifier, logger).Register(mux)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("presence", cfg.PresenceBackend).
			Str("broadcast", cfg.BroadcastBackend).
			Str("overflow", cfg.OverflowPolicy).
			Msg("reviewroom server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new requests before draining the rooms.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	refresher.Stop()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Some connections did not close in time")
	}

	logger.Info().Msg("Server stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
