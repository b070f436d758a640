package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/vollawetscher/media-worker/internal/config"
	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/version"
	"github.com/vollawetscher/media-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logging isn't initialized yet without a level; fall back to stderr.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)
	defer logging.Shutdown(context.Background())

	logging.Info(logging.CategoryApp, "starting media-worker version=%s mode=%s workerID=%s", version.Version, cfg.Mode, cfg.WorkerID)

	ctx := context.Background()

	pool, err := store.NewPool(ctx, cfg.StoreURL)
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to open store pool: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		logging.Fail(logging.CategoryApp, "failed to run migrations: %v", err)
		os.Exit(1)
	}
	gw := store.NewPgGateway(pool)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logging.Fail(logging.CategoryApp, "failed to parse REDIS_URL: %v", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Warning(logging.CategoryApp, "redis unreachable at startup, continuing without it: %v", err)
			redisClient = nil
		}
	}

	m := worker.New(cfg, gw, redisClient)
	if err := m.Run(ctx); err != nil {
		logging.Fail(logging.CategoryApp, "worker exited with error: %v", err)
		os.Exit(1)
	}

	logging.Info(logging.CategoryApp, "worker shutdown complete")
}
