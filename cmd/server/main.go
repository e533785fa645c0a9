// Package main is the voxqueue server. One binary runs the gateway, the
// worker pool or both, selected by server.role, and applies database
// migrations with -migrate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/phrazzld/voxqueue/internal/config"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
	"github.com/phrazzld/voxqueue/internal/platform/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml if present)")
	migrateCmd := flag.String("migrate", "", "run a migration command and exit: "+
		strings.Join(postgres.MigrationCommands, ", "))
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *migrateCmd, flag.Args()); err != nil {
		slog.Error("voxqueue exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, migrateCmd string, args []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"redis_configured", cfg.Redis.URL != "",
		"storage", storageKind(cfg.Storage))

	db, err := postgres.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}

	if migrateCmd != "" {
		defer func() { _ = db.Close() }()
		return postgres.Migrate(ctx, db, migrateCmd, log, args...)
	}

	app, err := newApplication(ctx, cfg, log, db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	return app.Run(ctx)
}

func storageKind(cfg config.StorageConfig) string {
	if cfg.Bucket != "" {
		return "s3"
	}
	return "local"
}
