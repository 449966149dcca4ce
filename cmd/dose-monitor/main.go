// Package main provides the dose monitor entry point.
// Sweeps every patient's schedule and raises one alert per newly delayed dose.
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
	"github.com/carepath/medtrack/internal/monitor"
	"github.com/carepath/medtrack/internal/observability/metrics"
	"github.com/carepath/medtrack/internal/observability/tracing"
)

const (
	serviceName = "dose-monitor"
	version     = "0.4.0"
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
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()
	if st.Backend == "memory" {
		logger.Warn("monitoring an empty in-memory store; set database.url to watch real schedules")
	}

	events, err := app.OpenEvents(cfg, st, logger, m)
	if err != nil {
		logger.Fatal("event stream init failed", zap.Error(err))
	}
	defer events.Close()

	tracker, err := app.NewTracker(cfg, st, events.Notifier, logger, m)
	if err != nil {
		logger.Fatal("tracker init failed", zap.Error(err))
	}

	mon, err := monitor.New(tracker, monitor.Config{
		Interval: cfg.Monitor.Interval,
		Grace:    cfg.Monitor.Grace,
		Pool:     cfg.WorkerPool(),
	}, logger)
	if err != nil {
		logger.Fatal("monitor init failed", zap.Error(err))
	}
	mon.OnSweep = func(s monitor.SweepStats) {
		m.DelayedDoses.Set(float64(s.Delayed))
		m.MonitorSweepDuration.Observe(s.Duration.Seconds())
	}

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

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("dose monitor started",
		zap.Duration("interval", cfg.Monitor.Interval),
		zap.Duration("grace", cfg.Monitor.Grace),
		zap.String("timezone", cfg.Clinic.Timezone))
	if err := mon.Run(ctx); err != nil {
		logger.Error("monitor stopped with error", zap.Error(err))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := probes.Shutdown(shutdownCtx); err != nil {
		logger.Error("probe shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("dose monitor stopped")
}
