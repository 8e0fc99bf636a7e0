package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	mcpadapter "github.com/kirillkom/pid-digitizer/internal/adapters/mcp"
	"github.com/kirillkom/pid-digitizer/internal/bootstrap"
	"github.com/kirillkom/pid-digitizer/internal/config"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	// stdout carries the protocol, so logs go to stderr.
	logger := logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, nil)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	server := mcpadapter.New(app.Drawings, app.Review, app.Exports)
	if err := server.ServeStdio(version); err != nil {
		logger.Error("mcp_server_stopped", "error", err)
		os.Exit(1)
	}
}
