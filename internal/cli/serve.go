package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/terra-clan/assessment-engine/internal/api"
	"github.com/terra-clan/assessment-engine/internal/cache"
	"github.com/terra-clan/assessment-engine/internal/config"
	"github.com/terra-clan/assessment-engine/internal/content"
	"github.com/terra-clan/assessment-engine/internal/events"
	"github.com/terra-clan/assessment-engine/internal/progress"
	"github.com/terra-clan/assessment-engine/internal/session"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the session worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting assessment-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"storage", cfg.Database.Driver,
		"redis", cfg.Redis.Enabled,
		"completion_policy", cfg.Session.CompletionPolicy,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, initCancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout+30*time.Second)
	defer initCancel()

	repo, err := openRepository(initCtx, cfg.Database, true)
	if err != nil {
		return err
	}
	defer repo.Close()

	seedFromDir(initCtx, repo, cfg.Content.Dir)

	var (
		contentSource progress.ContentSource = repo
		invalidator   api.ContentInvalidator
		bus           events.Bus
		managerOpts   = []session.Option{session.WithBaseURL(cfg.Server.PublicBaseURL)}
		redisClient   *redis.Client
	)

	if cfg.Redis.Enabled {
		redisClient, err = cache.NewClient(initCtx, cache.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
		slog.Info("redis connected", "address", cfg.Redis.Address)

		contentCache := cache.NewContentCache(redisClient, repo, cfg.Cache.ContentTTL)
		contentSource = contentCache
		invalidator = contentCache
		bus = events.NewRedisBus(redisClient)
		managerOpts = append(managerOpts, session.WithProgressCache(cache.NewProgressCache(redisClient, cfg.Cache.ProgressTTL)))
	} else {
		slog.Warn("redis disabled; events stay in process and nothing is cached")
		bus = events.NewMemoryBus()
	}
	managerOpts = append(managerOpts, session.WithPublisher(bus))

	collector := progress.NewCollector(contentSource, repo,
		progress.WithCollectorPolicy(cfg.Session.CompletionPolicy),
		progress.WithConcurrency(cfg.Session.AggregationConcurrency),
	)
	manager := session.NewManager(repo, contentSource, collector, managerOpts...)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	worker := session.NewWorker(manager, cfg.Session.TickInterval, cfg.Session.PollInterval, cfg.Session.PollRPS)
	worker.Start(workerCtx)

	server := api.NewServer(cfg.Server, repo, manager, bus, invalidator)
	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}

	cancelWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	worker.Wait()

	slog.Info("assessment-engine stopped")
	return nil
}

// seedFromDir loads the bundled content pack and stores exercises that are
// not in the database yet. A missing directory is not an error.
func seedFromDir(ctx context.Context, repo storage.Repository, dir string) {
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		slog.Info("no content directory, skipping seed", "dir", dir)
		return
	}

	loader := content.NewLoader()
	if err := loader.LoadFromDir(dir); err != nil {
		slog.Warn("failed to load content from dir", "dir", dir, "error", err)
		return
	}
	for name, err := range loader.Failures() {
		slog.Warn("content exercise rejected", "exercise", name, "error", err)
	}

	saved, err := seedContent(ctx, repo, loader, false)
	if err != nil {
		slog.Error("failed to seed content", "error", err)
		return
	}
	slog.Info("content seeded", "new_exercises", saved)
}
