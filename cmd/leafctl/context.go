package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/bootstrap"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/config"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/usecase"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/observability/logging"
)

// services is the slice of the application the CLI drives.
type services struct {
	Models    *usecase.ModelService
	History   *usecase.HistoryService
	Single    *usecase.Workflow
	Batch     *usecase.Workflow
	Exporter  *usecase.Exporter
	Threshold *usecase.LiveThreshold
}

type builder func(ctx context.Context, cfg config.Config) (*services, func(), error)

func defaultBuilder(ctx context.Context, cfg config.Config) (*services, func(), error) {
	slog.SetDefault(logging.New(os.Stderr, "leafctl", cfg.LogLevel))
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		return nil, nil, err
	}
	return &services{
		Models:    app.Models,
		History:   app.History,
		Single:    app.Single,
		Batch:     app.Batch,
		Exporter:  app.Exporter,
		Threshold: app.Threshold,
	}, app.Close, nil
}

type commandContext struct {
	apiURL    *string
	threshold *float64
	build     builder

	svc     *services
	closeFn func()
}

func newCommandContext(apiURL *string, threshold *float64, build builder) *commandContext {
	return &commandContext{apiURL: apiURL, threshold: threshold, build: build}
}

func (c *commandContext) services(ctx context.Context) (*services, error) {
	if c.svc != nil {
		return c.svc, nil
	}

	cfg := config.Load()
	if c.apiURL != nil && *c.apiURL != "" {
		cfg.LeafAPIURL = *c.apiURL
	}
	if c.threshold != nil && *c.threshold >= 0 {
		cfg.DefaultThreshold = *c.threshold
	}

	svc, closeFn, err := c.build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init leafctl: %w", err)
	}
	c.svc = svc
	c.closeFn = closeFn
	return svc, nil
}

func (c *commandContext) close() {
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
}
