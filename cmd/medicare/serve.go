package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/medicare/internal/chat"
	"github.com/ent0n29/medicare/internal/config"
	"github.com/ent0n29/medicare/internal/history"
	"github.com/ent0n29/medicare/internal/httpapi"
	"github.com/ent0n29/medicare/internal/inference"
	"github.com/ent0n29/medicare/internal/observability"
	"github.com/ent0n29/medicare/internal/ratelimit"
	"github.com/ent0n29/medicare/internal/records"
	"github.com/ent0n29/medicare/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := newLogger(cfg.LogLevel)
		slog.SetDefault(logger)
		return serve(cfg, logger)
	},
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg config.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	historyStore, err := history.NewStore(ctx, history.Config{
		Backend:     cfg.HistoryBackend,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("history store init: %w", err)
	}
	defer historyStore.Close()

	recordStore, err := records.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("records store init: %w", err)
	}
	defer recordStore.Close()

	source, err := inference.NewSource(inference.Config{
		Mode:   cfg.InferenceMode,
		URL:    cfg.InferenceURL,
		APIKey: cfg.InferenceAPIKey,
	})
	if err != nil {
		return fmt.Errorf("inference source init: %w", err)
	}
	logger.Info("inference source", "type", fmt.Sprintf("%T", source), "mode", cfg.InferenceMode)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		logger.Debug("session expired", "session_id", s.ID)
	})

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Rate:  cfg.RateLimitPerSecond,
		Burst: cfg.RateLimitBurst,
	})

	svc := chat.NewService(sessions, source, historyStore, limiter, metrics, logger, chat.Config{
		TurnTimeout:  cfg.TurnTimeout,
		ReadSize:     cfg.StreamReadSize,
		ContextLimit: cfg.HistoryContextLimit,
	})

	api := httpapi.New(cfg, sessions, svc, historyStore, recordStore, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)
	go pruneLimiter(runCtx, limiter, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(10 * time.Minute); n > 0 {
				logger.Debug("pruned idle rate limit buckets", "count", n)
			}
		}
	}
}
