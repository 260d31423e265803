// chatcourier - group chat to AI agent bridge server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/chatcourier/chatcourier/internal/api"
	"github.com/chatcourier/chatcourier/internal/audit"
	"github.com/chatcourier/chatcourier/internal/chat"
	"github.com/chatcourier/chatcourier/internal/config"
	"github.com/chatcourier/chatcourier/internal/middleware"
	"github.com/chatcourier/chatcourier/internal/orchestrator"
	"github.com/chatcourier/chatcourier/internal/runtime"
	"github.com/chatcourier/chatcourier/internal/sandbox"
	"github.com/chatcourier/chatcourier/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.Runtime.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if purged, err := repo.PurgeProcessedEvents(context.Background(), cfg.DedupTTL); err != nil {
		slog.Warn("Processed-event purge failed", "error", err)
	} else if purged > 0 {
		slog.Info("Purged expired processed-event markers", "count", purged)
	}
	store.StartPurgeWorker(ctx, repo, time.Hour, cfg.DedupTTL)

	// Select the agent backend.
	var rt runtime.Runtime
	switch cfg.Runtime.Backend {
	case "sandbox":
		mgr, err := sandbox.NewDockerManager(cfg.Sandbox.Image, cfg.Sandbox.Runtime)
		if err != nil {
			slog.Error("Failed to initialize container manager", "error", err)
			os.Exit(1)
		}
		sbx, err := sandbox.New(mgr, sandbox.Options{
			MountRoot:   cfg.Sandbox.MountRoot,
			TurnTimeout: cfg.Sandbox.TurnTimeout,
		})
		if err != nil {
			slog.Error("Failed to initialize sandbox runtime", "error", err)
			os.Exit(1)
		}
		sbx.StartReaper(ctx, cfg.Sandbox.ReapTTL)
		rt = sbx
		slog.Info("Sandbox runtime initialized", "image", cfg.Sandbox.Image)
	default:
		clientCfg := runtime.DefaultClientConfig()
		clientCfg.BaseURL = cfg.Runtime.BaseURL
		clientCfg.PromptHeaderTimeout = cfg.Runtime.PromptHeaderTimeout
		client, err := runtime.NewClient(context.Background(), clientCfg, logger)
		if err != nil {
			slog.Error("Failed to reach agent server", "base_url", cfg.Runtime.BaseURL, "error", err)
			os.Exit(1)
		}
		rt = client
		slog.Info("Agent server runtime initialized", "base_url", cfg.Runtime.BaseURL)
	}

	auditLog, err := audit.New(audit.Config{
		Enabled:   cfg.Audit.Enabled,
		Path:      cfg.Audit.Path,
		QueueSize: cfg.Audit.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit log", "error", err)
		os.Exit(1)
	}
	defer func() { _ = auditLog.Close() }()

	messenger, err := chat.NewLarkClient(cfg.Lark)
	if err != nil {
		slog.Error("Failed to initialize chat client", "error", err)
		os.Exit(1)
	}

	broker := orchestrator.NewBroker(rt, messenger, repo)
	scheduler := orchestrator.NewScheduler(rt, messenger, repo, broker, auditLog, orchestrator.Config{
		WorkDir:        cfg.WorkDir,
		TimeoutGrace:   cfg.TimeoutGrace,
		RenderInterval: cfg.Render.Interval,
		RenderMaxBytes: cfg.Render.MaxBytes,
	})

	webhook := chat.NewWebhook(cfg.Lark, scheduler, repo, cfg.DedupTTL)
	statusHandler := api.NewStatusHandler(repo, scheduler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	statusHandler.RegisterRoutes(r)
	r.Post("/lark/events", webhook.HandleEvents)
	r.Post("/lark/callback", webhook.HandleCardCallback)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
