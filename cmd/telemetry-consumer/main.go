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
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/ingest"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting telemetry consumer",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.GroupID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	backends, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backends", zap.Error(err))
	}
	defer backends.Close()

	opts := []ingest.Option{ingest.WithMetrics(m)}
	if backends.Geo != nil {
		opts = append(opts, ingest.WithGeo(backends.Geo))
	}
	service := ingest.NewService(backends.Store, logger, opts...)

	ccfg := ingest.ConsumerConfig{
		Brokers:         cfg.Kafka.Brokers,
		Topic:           cfg.Kafka.Topic,
		GroupID:         cfg.Kafka.GroupID,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		MaxWait:         cfg.Kafka.MaxWait,
		MaxRetries:      cfg.Kafka.MaxRetries,
		RetryBackoff:    cfg.Kafka.RetryBackoff,
	}
	var deadLetter ingest.MessageWriter
	if w := ingest.NewKafkaWriter(ccfg); w != nil {
		deadLetter = w
	}
	consumer := ingest.NewKafkaConsumer(ingest.NewKafkaReader(ccfg), deadLetter, service, logger, m, ccfg)
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("failed to close consumer", zap.Error(err))
		}
	}()

	// Metrics and health for the consumer process
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := backends.Health(hctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})
	if m != nil {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}
	srv := &http.Server{
		Addr:              cfg.Kafka.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	if err := consumer.Run(ctx); err != nil {
		logger.Error("telemetry consumer failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server forced to shutdown", zap.Error(err))
	}

	logger.Info("telemetry consumer stopped")
}
