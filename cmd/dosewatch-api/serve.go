package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/api/handlers"
	"github.com/drfirst/go-dosewatch/internal/api/middleware"
	"github.com/drfirst/go-dosewatch/internal/app"
	"github.com/drfirst/go-dosewatch/internal/config"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/observability/tracing"
	"github.com/drfirst/go-dosewatch/internal/reconcile"
)

const serviceName = "dosewatch-api"

func newServeCommand(cfgFile *string) *cobra.Command {
	var (
		shutdownTimeout time.Duration
		withReconciler  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// the memory store is process local, so the loop must run here
			if cfg.StoreDriver == config.DriverMemory {
				withReconciler = true
			}
			return serve(cmd.Context(), cfg, logger, shutdownTimeout, withReconciler)
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "maximum time to wait for graceful shutdown")
	cmd.Flags().BoolVar(&withReconciler, "with-reconciler", false, "run the reconciliation loop in this process")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, shutdownTimeout time.Duration, withReconciler bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	a, err := app.Build(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if withReconciler {
		loop := reconcile.New(a.Engine, cfg.Reconcile(), a.Metrics, logger)
		if err := loop.Start(ctx); err != nil {
			return err
		}
		defer loop.Stop()
	}

	keys := cfg.Keys()
	if len(keys) == 0 {
		logger.Warn("API_KEYS is empty; the API is unauthenticated")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(a, keys, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting dosewatch API",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.Bool("reconciler", withReconciler))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newRouter(a *app.App, keys map[string]string, logger *zap.Logger) http.Handler {
	h := handlers.NewMedicationHandler(a.Engine, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(keys) > 0 {
			r.Use(middleware.APIKeyAuth(keys))
		}
		r.Mount("/prescriptions", h.PrescriptionRoutes())
		r.Mount("/doses", h.DoseRoutes())
	})
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
}
