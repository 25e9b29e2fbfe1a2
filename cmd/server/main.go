package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dockwatch/internal/app"
	"dockwatch/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config invalid", "err", err)
		os.Exit(1)
	}
	logger.Info("starting dockwatch", "addr", cfg.Addr, "target", cfg.TargetContainer, "db", cfg.DBPath)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("init failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		logger.Error("shutdown with error", "err", err)
		os.Exit(1)
	}
}
