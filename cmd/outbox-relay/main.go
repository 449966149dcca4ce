// Package main provides the outbox relay entry point.
// Drains the dose event outbox into Redpanda when kafka.outbox is enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/api/handlers"
	"github.com/carepath/medtrack/internal/app"
	"github.com/carepath/medtrack/internal/config"
	"github.com/carepath/medtrack/internal/infrastructure/postgres"
	"github.com/carepath/medtrack/internal/infrastructure/redpanda"
	"github.com/carepath/medtrack/internal/observability/metrics"
	"github.com/carepath/medtrack/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	version     = "0.4.0"

	statsInterval = 15 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("MEDTRACK_CONFIG"), "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Database.URL == "" || len(cfg.Kafka.Brokers) == 0 {
		logger.Fatal("outbox relay needs database.url and kafka.brokers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Tracing.Environment
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New()

	st, err := app.OpenStore(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer st.Close()

	outbox, err := st.Outbox(cfg, logger)
	if err != nil {
		logger.Fatal("outbox init failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	// Probes and metrics
	r := chi.NewRouter()
	r.Get("/health", handlers.Health(serviceName, version))
	r.Get("/ready", handlers.Ready(st.Ready))
	r.Handle("/metrics", metrics.Handler())
	probes := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := probes.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("probe server error", zap.Error(err))
		}
	}()

	go reportBacklog(ctx, outbox, m, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	if err := outbox.Relay(ctx, producer); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := probes.Shutdown(shutdownCtx); err != nil {
		logger.Error("probe shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// reportBacklog publishes the outbox backlog as gauges until ctx ends.
func reportBacklog(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats, err := outbox.Stats(ctx)
		if err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
			continue
		}
		m.OutboxObserved(stats.Pending, stats.Failed)
		if stats.OldestPending != nil {
			logger.Debug("outbox backlog",
				zap.Int64("pending", stats.Pending),
				zap.Duration("oldest", time.Since(*stats.OldestPending)))
		}
	}
}
