package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/bootstrap"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/config"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/observability/logging"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("leaf-worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Subscribe: true})
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("leaf-worker")
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	archiver := app.NewArchiver(workerMetrics)

	slog.Info("worker_subscribed", "subject", cfg.NATSSubject, "storage", cfg.StoragePath)
	err = app.Subscriber.SubscribePredictionCompleted(ctx, func(handlerCtx context.Context, event domain.PredictionCompleted) error {
		archiveCtx, cancel := context.WithTimeout(handlerCtx, time.Minute)
		defer cancel()
		return archiver.Handle(archiveCtx, event)
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
