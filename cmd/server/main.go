package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatdash/internal/api"
	"github.com/eldtechnologies/chatdash/internal/api/middleware"
	"github.com/eldtechnologies/chatdash/internal/chat"
	"github.com/eldtechnologies/chatdash/internal/config"
	"github.com/eldtechnologies/chatdash/internal/handlers"
	"github.com/eldtechnologies/chatdash/internal/llm"
	"github.com/eldtechnologies/chatdash/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

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

	// Initialize the usage ledger (PostgreSQL, SQLite, or none)
	var usage store.UsageStore
	switch {
	case cfg.DatabaseURL != "":
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgStore.Close()
		usage = pgStore
		logger.Info().Msg("usage ledger on PostgreSQL")
	case cfg.SQLitePath != "":
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer sqliteStore.Close()
		usage = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("usage ledger on SQLite")
	default:
		logger.Info().Msg("no usage ledger configured")
	}

	// Initialize Redis (reply cache and rate limit counters)
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Build the upstream client
	var client llm.Client
	switch cfg.Provider {
	case config.ProviderBackend:
		client = llm.NewBackendClient(llm.BackendConfig{
			BaseURL:      cfg.APIBaseURL,
			APIKey:       cfg.BackendAPIKey,
			Timeout:      cfg.RequestTimeout,
			Retries:      cfg.UpstreamRetries,
			RetryBackoff: cfg.RetryBackoff,
		})
	case config.ProviderGemini:
		client, err = llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			Timeout:      cfg.RequestTimeout,
			Retries:      cfg.UpstreamRetries,
			RetryBackoff: cfg.RetryBackoff,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini client init failed")
		}
	}

	// Session store with idle eviction
	sessions := store.NewSessionStore(cfg.SessionTTL)
	sessions.StartSweeper(time.Minute)
	defer sessions.Close()

	// Turn loop
	var cache chat.ReplyCache
	if redisStore != nil {
		cache = redisStore
	}
	chatSvc := chat.NewService(sessions, client, usage, cache, chat.Config{
		MaxMessageChars:    cfg.MaxMessageChars,
		MaxTranscriptChars: cfg.MaxTranscriptChars,
		ColdRetry:          cfg.ColdRetry,
		ColdRetryDelay:     cfg.ColdRetryDelay,
		CacheTTL:           cfg.CacheTTL,
	}, logger)

	// Rate limit counter: Redis when available, in-process otherwise
	var counter middleware.Counter = middleware.NewMemoryCounter()
	if redisStore != nil {
		counter = redisStore
	}

	// Create router
	h := handlers.NewHandler(chatSvc, sessions, usage, redisStore, cfg)
	router := api.NewRouter(logger, h, counter, cfg)

	// Create server. WriteTimeout stays 0: a turn can legitimately hold the
	// response for the full upstream budget plus the cold retry.
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
			Str("provider", cfg.Provider).
			Str("model", client.Model()).
			Msg("starting chatdash server")

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
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
