package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/config"
	"github.com/autocontrolpro/edge-agent-go/internal/handler"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/gateway"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/notify"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/observability"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/resilience"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/store"
	"github.com/autocontrolpro/edge-agent-go/internal/port"
	"github.com/autocontrolpro/edge-agent-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("cloud_api_url", cfg.CloudAPIURL),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("memory_store", cfg.MemoryStore),
		zap.Duration("search_debounce", cfg.SearchDebounce),
	)

	// --- Tracing ---
	if !cfg.TracingOff {
		shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "autocontrol-edge-agent")
		if err != nil {
			logger.Fatal("failed to init tracer", zap.Error(err))
		}
		defer shutdown(context.Background())
	}

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Local fallback store ---
	var fallback port.FallbackStore
	if cfg.MemoryStore {
		logger.Warn("using in-memory fallback store, local data will not survive restarts")
		fallback = store.NewMemory()
	} else {
		badger, err := store.OpenBadger(cfg.DataDir, logger)
		if err != nil {
			logger.Fatal("failed to open fallback store", zap.Error(err), zap.String("data_dir", cfg.DataDir))
		}
		fallback = badger
	}
	defer fallback.Close()

	// --- Cloud gateway ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("cloud-api")
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	gw := gateway.NewClient(httpClient, cfg.CloudAPIURL, cb, resilienceCfg, logger)

	// --- Notification feed ---
	feed := notify.NewFeed(cfg.NotificationFeedSize, logger)

	// --- State container / services ---
	container := service.NewContainer(gw, fallback, feed, metrics, logger)
	incidents := service.NewIncidentService(container, cfg.SearchDebounce)
	defer incidents.Close()

	// Restore the previous session, if any, before accepting requests.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout+5*time.Second)
	if err := container.Bootstrap(bootCtx); err != nil {
		logger.Warn("session bootstrap failed, starting logged out", zap.Error(err))
	}
	bootCancel()

	// --- Router ---
	router := handler.NewRouter(container, incidents, feed, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("edge agent starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("edge agent shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("edge agent stopped")
}
