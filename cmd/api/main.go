package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/leaf-nutrient-advisor/internal/adapters/http"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/bootstrap"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/config"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/observability/logging"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("leaf-api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverMetrics := metrics.NewHTTPServerMetrics("leaf-api")
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Metrics:    serverMetrics,
		QueueGroup: "leaf-api-" + uuid.NewString(),
	})
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	// New predictions land in the external store, so cached summaries go stale.
	if app.Subscriber != nil {
		go func() {
			err := app.Subscriber.SubscribePredictionCompleted(ctx, func(context.Context, domain.PredictionCompleted) error {
				app.History.InvalidateList()
				return nil
			})
			if err != nil {
				slog.Warn("history_invalidation_subscribe_failed", "error", err)
			}
		}()
	}

	router := httpadapter.NewRouter(httpadapter.Dependencies{
		Models:      app.Models,
		Single:      app.Single,
		Batch:       app.Batch,
		History:     app.History,
		Exporter:    app.Exporter,
		Threshold:   app.Threshold,
		Submissions: app.Submissions,
		Metrics:     serverMetrics,
	}, httpadapter.Options{
		RateLimitRPS:   cfg.APIRateLimitRPS,
		RateLimitBurst: cfg.APIRateLimitBurst,
		MaxInFlight:    cfg.APIMaxConnections,
	}).Handler()

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 2*cfg.LeafAPITimeout() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		log.Fatalf("api listen error: %v", err)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "leaf_api_url", cfg.LeafAPIURL)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
