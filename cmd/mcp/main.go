package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcpadapter "github.com/kirillkom/leaf-nutrient-advisor/internal/adapters/mcp"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/bootstrap"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/config"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/observability/logging"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("mcp_server_stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	slog.SetDefault(logging.New(os.Stderr, "leaf-mcp", cfg.LogLevel))

	// Read-only tools: no journal or event bus.
	cfg.PostgresDSN = ""
	cfg.NATSURL = ""

	app, err := bootstrap.New(context.Background(), cfg, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	tools := mcpadapter.NewTools(app.Models, app.History)
	return server.ServeStdio(tools.Server("leaf-nutrient-advisor", version))
}
