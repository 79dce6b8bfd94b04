// Package main provides the reconciliation loop entry point. It generates
// doses ahead, notifies due doses and sweeps missed ones on independent cadences.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/observability/tracing"
	"github.com/drfirst/go-dosewatch/internal/reconcile"
)

func main() {
	cfgFile := flag.String("config", "", "optional config file")
	once := flag.Bool("once", false, "run every phase once and exit")
	metricsAddr := flag.String("metrics-addr", ":9102", "address for /metrics")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}
	logger, err := cfg.Logger()
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}

	if err := run(cfg, logger, *once, *metricsAddr); err != nil {
		logger.Error("reconciler exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// run owns every resource it opens so that deferred cleanup runs before the
// process exits, whatever the outcome.
func run(cfg *config.Config, logger *zap.Logger, once bool, metricsAddr string) error {
	if cfg.StoreDriver == config.DriverMemory {
		return errors.New("the reconciler needs a shared store; run dosewatch-api with the memory driver instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("reconciler")
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	defer tp.Shutdown(context.Background())

	a, err := app.Build(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer a.Close()

	loop := reconcile.New(a.Engine, cfg.Reconcile(), a.Metrics, logger)

	if once {
		if err := loop.RunOnce(ctx); err != nil {
			return fmt.Errorf("reconciliation pass finished with errors: %w", err)
		}
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("reconciliation loop failed to start: %w", err)
	}
	logger.Info("reconciler started")

	<-ctx.Done()

	logger.Info("shutting down")
	loop.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	logger.Info("reconciler stopped")
	return nil
}
