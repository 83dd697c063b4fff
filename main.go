package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/config"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/database"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/httpserver"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting aeon analytics",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	if !cfg.IsDevelopment() && cfg.Store == config.StoreMemory {
		logger.Warn("in-memory store selected outside development", zap.String("env", cfg.Server.Env))
	}

	backends, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backends", zap.Error(err))
	}
	defer backends.Close()

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Store:      backends.Store,
		Geo:        backends.Geo,
		CountCache: backends.CountCache,
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
	})

	// Recovery -> Logging -> RateLimit -> per-IP limit -> Auth -> Handler
	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimitMW.SetMetrics(m)
	loggingMW := middleware.NewLoggingMiddleware(logger)
	loggingMW.SetMetrics(m)
	finalHandler := middleware.Chain(handler,
		middleware.NewRecoveryMiddleware(logger).Handler,
		loggingMW.Handler,
		rateLimitMW.Handler,
		rateLimitMW.HandlerPerIP,
		middleware.NewAuthMiddleware(cfg.Auth, logger).Handler,
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Query.Timeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Rate limiter cleanup and pool stats
	go func() {
		cleanup := time.NewTicker(1 * time.Hour)
		stats := time.NewTicker(15 * time.Second)
		defer cleanup.Stop()
		defer stats.Stop()
		for {
			select {
			case <-cleanup.C:
				rateLimitMW.CleanupIPLimiters()
			case <-stats.C:
				if backends.Postgres != nil {
					st := backends.Postgres.Stats()
					m.UpdateDBStats(st.Idle, st.InUse, st.Total)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Cancel main context to stop background goroutines
	cancel()

	logger.Info("server stopped")
}
