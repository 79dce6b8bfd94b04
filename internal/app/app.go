// Package app assembles the engine and its dependencies from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/engine"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/memory"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/postgres"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
)

// App is an engine wired to its store and notifier
type App struct {
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	// Pool is nil for the memory driver
	Pool *pgxpool.Pool
}

// Build connects the configured store. Postgres gets the outbox notifier;
// the memory driver logs reminders.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	m := metrics.New(reg)

	var (
		store    engine.Store
		notifier engine.Notifier
		pool     *pgxpool.Pool
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		store = memory.NewStore()
		notifier = engine.NewLogNotifier(logger)
		logger.Warn("using in-memory store; state is lost on exit")
	default:
		var err error
		pool, err = postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		store = postgres.NewStore(pool, logger)
		notifier = postgres.NewOutboxNotifier(pool, logger)
		logger.Info("connected to database")
	}

	eng := engine.New(store, notifier, cfg.Engine(), logger, engine.WithMetrics(m))
	return &App{Engine: eng, Metrics: m, Pool: pool}, nil
}

// Ready checks the store connection
func (a *App) Ready(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	return a.Pool.Ping(ctx)
}

// Close releases the store connection
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}
