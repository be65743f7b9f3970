package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/activitycast/internal/activities"
	"github.com/a-essam23/activitycast/internal/server"
	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/a-essam23/activitycast/pkg/config"
	"github.com/a-essam23/activitycast/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, "config")
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred cleanups always run.
func run(ctx context.Context, configName string) error {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, configName)
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		return err
	}

	logger = logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	repo, err := activities.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		logger.Error("Failed to open activity storage", slog.String("path", cfg.Storage.Path), slog.Any("error", err))
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("Failed to close activity storage", slog.Any("error", err))
		}
	}()
	logger.Info("Activity storage ready", slog.String("path", cfg.Storage.Path))

	verifier := auth.NewJWT(cfg.Server.Auth.JWTSecret, cfg.Server.Auth.TokenTTL)
	app := server.NewApp(logger, ctx, cfg, verifier, repo)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
