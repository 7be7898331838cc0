// Arcan chat agent server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/broomva/arcan/internal/agent"
	"github.com/broomva/arcan/internal/api"
	"github.com/broomva/arcan/internal/chatws"
	"github.com/broomva/arcan/internal/config"
	"github.com/broomva/arcan/internal/identity"
	"github.com/broomva/arcan/internal/middleware"
	"github.com/broomva/arcan/internal/session"
	"github.com/broomva/arcan/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.Agent.Provider)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor, err := agent.NewProcessor(ctx, processorConfig(cfg.Agent), logger)
	if err != nil {
		slog.Error("Failed to initialize agent processor", "error", err, "provider", cfg.Agent.Provider)
		os.Exit(1)
	}
	slog.Info("Agent processor ready", "processor", processor.Name())

	registry, err := session.NewRegistry(repo, processor, sessionConfig(cfg), logger)
	if err != nil {
		slog.Error("Failed to initialize session registry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := registry.Close(); closeErr != nil {
			slog.Error("Failed to close session registry", "error", closeErr)
		}
	}()

	registry.StartJanitor(ctx)
	slog.Info("Session janitor started", "idle_ttl", cfg.Registry.IdleTTL, "sweep_interval", cfg.Registry.SweepInterval)

	rateLimiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer rateLimiter.Stop()

	// Initialize handlers.
	conns := chatws.NewConnManager()
	chatHandler := api.NewChatHandler(registry, rateLimiter)
	chatHandler.SetConnCloser(conns)
	healthHandler := api.NewHealthHandler(repo, processor)
	wsHandler := chatws.NewHandler(registry, conns, cfg.FrontendURL, cfg.IsDevelopment())
	wsHandler.SetLimiter(rateLimiter)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Model calls can be slow, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func processorConfig(c config.AgentConfig) agent.Config {
	return agent.Config{
		Provider:       c.Provider,
		Model:          c.Model,
		APIKey:         c.APIKey,
		BaseURL:        c.BaseURL,
		SystemPrompt:   c.SystemPrompt,
		MaxTokens:      c.MaxTokens,
		Temperature:    c.Temperature,
		MaxRetries:     c.MaxRetries,
		GrpcAddr:       c.GrpcAddr,
		RequestTimeout: c.RequestTimeout,
	}
}

func sessionConfig(c *config.Config) session.Config {
	return session.Config{
		MaxEntries:     c.Registry.MaxEntries,
		IdleTTL:        c.Registry.IdleTTL,
		SweepInterval:  c.Registry.SweepInterval,
		HistoryWindow:  c.Registry.HistoryWindow,
		SystemPrompt:   c.Agent.SystemPrompt,
		PersistTimeout: c.Registry.PersistTimeout,
	}
}
