package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crypto_paper/internal/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the yaml config")
	flag.Parse()

	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.InfoContext(ctx, "✨ Paper broker running. Press Ctrl+C to exit.")

	// 3. Run until signalled; fills in flight are drained before returning
	runErr := bootstrap.Run(ctx)

	slog.Info("👋 Shutting down gracefully...")
	if err := bootstrap.Shutdown(); err != nil {
		slog.Error("shutdown error", slog.Any("error", err))
	}
	if runErr != nil {
		slog.Error("run failed", slog.Any("error", runErr))
		os.Exit(1)
	}
}
