// Package main provides the outbox relay entry point. It publishes dose
// reminders written to the transactional outbox to Redpanda.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/postgres"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/observability/tracing"
	"github.com/drfirst/go-dosewatch/pkg/circuitbreaker"
)

func main() {
	cfgFile := flag.String("config", "", "optional config file")
	metricsAddr := flag.String("metrics-addr", ":9103", "address for /metrics")
	maintenanceEvery := flag.Duration("maintenance-interval", time.Minute, "dead letter, cleanup and stats interval")
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

	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatal("the outbox relay requires STORE_DRIVER=postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("outbox-relay")
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	brokers := cfg.Brokers()
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	breakerCfg := circuitbreaker.DefaultConfig("redpanda-publish")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, breakerGauge(to))
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	m.SetBreakerState(breakerCfg.Name, breakerGauge(breaker.State()))

	relayCfg := postgres.DefaultRelayConfig()
	if cfg.OutboxPollIntervalMillis > 0 {
		relayCfg.PollInterval = time.Duration(cfg.OutboxPollIntervalMillis) * time.Millisecond
	}
	relay := postgres.NewRelay(pool, circuitbreaker.Guard(producer, breaker), relayCfg, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	relay.Start()
	logger.Info("outbox relay started")

	ticker := time.NewTicker(*maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			relay.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(shutdownCtx)
			cancel()
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			maintain(ctx, relay, m, logger)
		}
	}
}

func maintain(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	if moved, err := relay.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead letter pass failed", zap.Error(err))
	} else if moved > 0 {
		logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
	}
	if deleted, err := relay.CleanupProcessed(ctx); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		logger.Info("outbox cleanup completed", zap.Int64("deleted", deleted))
	}
	stats, err := relay.Stats(ctx)
	if err != nil {
		logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	m.SetOutboxPending(stats.Pending)
}

func breakerGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
