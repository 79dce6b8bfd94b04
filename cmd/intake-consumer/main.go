// Package main provides the intake consumer entry point. It records intake
// events reported by devices and apps, each event exactly once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/observability/tracing"
	"github.com/drfirst/go-dosewatch/pkg/idempotency"
	"github.com/drfirst/go-dosewatch/pkg/workerpool"
)

func main() {
	cfgFile := flag.String("config", "", "optional config file")
	metricsAddr := flag.String("metrics-addr", ":9104", "address for /metrics")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}
	logger, err := cfg.Logger()
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("intake-consumer")
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	a, err := app.Build(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	var repo idempotency.Repository = idempotency.NewMemoryRepository()
	if a.Pool != nil {
		repo = idempotency.NewPostgresRepository(a.Pool)
	}
	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.IsTerminal = rejectIntake
	inbox := idempotency.New(repo, inboxCfg, logger)

	proc := &processor{engine: a.Engine, inbox: inbox, metrics: a.Metrics, logger: logger}

	poolCfg := workerpool.DefaultConfig()
	if cfg.IntakeConsumerWorkers > 0 {
		poolCfg.Workers = cfg.IntakeConsumerWorkers
	}
	workers, err := workerpool.New(poolCfg, proc.Handle, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		res, err := workers.Do(ctx, id, msg.Value)
		if err != nil {
			return err
		}
		if res.Err != nil {
			if workerpool.IsPermanent(res.Err) {
				logger.Warn("intake event rejected",
					zap.String("task_id", id),
					zap.Error(res.Err))
				return nil
			}
			a.Metrics.IntakeEvent("failed")
			return res.Err
		}
		return nil
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("intake consumer started", zap.Int("workers", poolCfg.Workers))

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			consumer.Stop()
			workers.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(shutdownCtx)
			cancel()
			logger.Info("intake consumer stopped")
			return
		case <-cleanup.C:
			if _, err := inbox.Cleanup(ctx); err != nil {
				logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}
