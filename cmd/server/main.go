package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opsfloor-hq/opsfloor/internal/api"
	"github.com/opsfloor-hq/opsfloor/internal/bootstrap"
	"github.com/opsfloor-hq/opsfloor/internal/bus"
	"github.com/opsfloor-hq/opsfloor/internal/config"
	"github.com/opsfloor-hq/opsfloor/internal/cooldown"
	"github.com/opsfloor-hq/opsfloor/internal/handlers"
	"github.com/opsfloor-hq/opsfloor/internal/models"
	"github.com/opsfloor-hq/opsfloor/internal/route"
	"github.com/opsfloor-hq/opsfloor/internal/store"
	"github.com/opsfloor-hq/opsfloor/internal/workspace"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize the message store. DATABASE_URL selects Postgres;
	// the default is embedded SQLite.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		st = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqlStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		st = sqlStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	}
	defer st.Close()

	// Redis backs the HTTP rate limiter; the workspace runs without it.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Wire the workspace core.
	eventBus := bus.New(st, logger)
	directory := workspace.NewDirectory(st)
	messageLog := workspace.NewMessageLog(st, eventBus, logger, cfg.MaxPerRoom)
	presence := workspace.NewPresence(st, eventBus)

	queue := cooldown.New(func(ctx context.Context, req cooldown.SendRequest) (*models.Message, error) {
		return messageLog.Append(ctx, req.RoomID, req.SenderID, req.SenderName, req.Text, req.Tags)
	}, eventBus, logger, cfg.Cooldown, cfg.MaxQueuePerAgent)
	defer queue.Stop()

	resolver := route.NewResolver(directory)
	dispatcher := route.NewDispatcher(resolver, directory, messageLog, queue, eventBus, logger, route.Policy{
		Timeout:         cfg.RouterTimeout,
		MaxRetries:      cfg.RouterMaxRetries,
		RetryDelay:      cfg.RouterRetryDelay,
		PrimaryRoomID:   "ops",
		SecondaryRoomID: "break",
	})

	// Seed the default rooms and the configured roster.
	if err := bootstrap.Rooms(ctx, directory); err != nil {
		logger.Fatal().Err(err).Msg("room bootstrap failed")
	}
	bootstrap.Agents(ctx, cfg, st, directory, logger)

	h := handlers.NewHandler(handlers.Deps{
		Store:      st,
		Redis:      redisClient,
		Bus:        eventBus,
		Directory:  directory,
		Log:        messageLog,
		Presence:   presence,
		Dispatcher: dispatcher,
		Cooldown:   queue,
		Config:     cfg,
		Logger:     logger,
	})

	router := api.NewRouter(logger, cfg, h, redisClient)

	// Create server. WriteTimeout stays at zero so event streams can
	// outlive any fixed deadline.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting OpsFloor server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	eventBus.Close()
	logger.Info().Msg("server stopped")
}
