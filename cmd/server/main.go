// Package main is the entrypoint for the evalrunner API server and job runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/evalrunner/internal/ai"
	"github.com/kiranshivaraju/evalrunner/internal/api"
	"github.com/kiranshivaraju/evalrunner/internal/api/handler"
	mw "github.com/kiranshivaraju/evalrunner/internal/api/middleware"
	"github.com/kiranshivaraju/evalrunner/internal/api/response"
	"github.com/kiranshivaraju/evalrunner/internal/cache"
	"github.com/kiranshivaraju/evalrunner/internal/config"
	"github.com/kiranshivaraju/evalrunner/internal/content"
	"github.com/kiranshivaraju/evalrunner/internal/queue"
	"github.com/kiranshivaraju/evalrunner/internal/run"
	"github.com/kiranshivaraju/evalrunner/internal/runner"
	"github.com/kiranshivaraju/evalrunner/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := serve(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.ProgressTTL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	registry, err := ai.NewRegistry(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI providers: %w", err)
	}
	orchestrator := ai.NewOrchestrator(registry, cfg.AI)
	slog.Info("AI providers initialized",
		"primary", registry.Primary().Provider.Name(), "available", registry.Available())

	pgStore := store.NewPostgresStore(pool)
	source := newContentSource(cfg.Content, pgStore)
	adapter := queue.NewAdapter(pgStore, cfg.Runner.LockTTL, cfg.Runner.MaxAttempts)
	runs := run.NewController(pgStore, adapter, source, redisCache, cfg.Runner.DefaultConcurrency)
	jobRunner := runner.New(pgStore, adapter, runs, source, orchestrator, runner.Config{
		Ceiling:       cfg.Runner.MaxTickConcurrency,
		HarvestMargin: cfg.Runner.HarvestMargin,
		WorkerPrefix:  workerPrefix(),
	})

	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin)

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:     healthHandler(pgStore, redisCache),
		CreateRunHandler:  handler.NewCreateRunHandler(runs),
		GetRunHandler:     handler.NewGetRunHandler(runs),
		PauseRunHandler:   handler.NewPauseRunHandler(runs),
		ResumeRunHandler:  handler.NewResumeRunHandler(runs),
		StopRunHandler:    handler.NewStopRunHandler(runs),
		AccelerateHandler: handler.NewAccelerateHandler(runs, jobRunner, cfg.Runner.TickTimeout),
		ProgressHandler:   handler.NewProgressStreamHandler(runs, redisCache),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("job runner started",
			"tick_interval", cfg.Runner.TickInterval, "tick_timeout", cfg.Runner.TickTimeout,
			"ceiling", cfg.Runner.MaxTickConcurrency)
		jobRunner.Loop(ctx, cfg.Runner.TickInterval, cfg.Runner.TickTimeout, 0)
		slog.Info("job runner stopped")
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: accelerate waits for a whole tick and progress
		// streams stay open.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// newContentSource reads content over HTTP when a base URL is configured and
// from the contents table otherwise.
func newContentSource(cfg config.ContentConfig, f content.Fetcher) content.Source {
	if cfg.BaseURL != "" {
		return content.NewHTTPSource(cfg.BaseURL, cfg.Token, cfg.Timeout)
	}
	return content.NewStoreSource(f)
}

func workerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
