package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/terra-clan/assessment-engine/internal/config"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

// openRepository connects the configured store. Postgres is migrated when
// migrate is set.
func openRepository(ctx context.Context, cfg config.DatabaseConfig, migrate bool) (storage.Repository, error) {
	switch cfg.Driver {
	case "memory":
		slog.Warn("using in-memory storage; data is lost on restart")
		return storage.NewMemoryRepository(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unknown database driver: %q", cfg.Driver)
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:            cfg.DSN,
		MaxOpenConns:   int32(cfg.MaxOpenConns),
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database repository: %w", err)
	}
	slog.Info("database connected successfully")

	if migrate {
		slog.Info("running database migrations", "dir", cfg.MigrationsDir)
		applied, err := storage.RunMigrations(ctx, repo.Pool(), cfg.MigrationsDir)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("migrations complete", "applied", len(applied))
	}

	return repo, nil
}
