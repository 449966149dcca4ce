// Package main provides the tracker API service entry point.
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

	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/api"
	"github.com/carepath/medtrack/internal/app"
	"github.com/carepath/medtrack/internal/config"
	"github.com/carepath/medtrack/internal/domain/familyaccess"
	"github.com/carepath/medtrack/internal/observability/metrics"
	"github.com/carepath/medtrack/internal/observability/tracing"
)

const (
	serviceName = "tracker-api"
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

	ctx := context.Background()

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

	events, err := app.OpenEvents(cfg, st, logger, m)
	if err != nil {
		logger.Fatal("event stream init failed", zap.Error(err))
	}
	defer events.Close()

	tracker, err := app.NewTracker(cfg, st, events.Notifier, logger, m)
	if err != nil {
		logger.Fatal("tracker init failed", zap.Error(err))
	}

	router := api.NewRouter(api.Deps{
		Tracker:        tracker,
		Grants:         familyaccess.NewService(st, logger),
		Logger:         logger,
		ServiceName:    serviceName,
		Version:        version,
		APIKeys:        cfg.APIKeyClients(),
		CORSOrigins:    cfg.Server.CORSOrigins,
		Metrics:        m,
		MetricsHandler: metrics.Handler(),
		Ready:          st.Ready,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting tracker API",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", st.Backend),
		zap.String("timezone", cfg.Clinic.Timezone),
		zap.Bool("tracing", tp.Enabled()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
