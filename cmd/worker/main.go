package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/treemap/internal/app"
	"github.com/odyssey-erp/treemap/internal/audit"
	jobmetrics "github.com/odyssey-erp/treemap/internal/jobs"
	"github.com/odyssey-erp/treemap/internal/platform/cache"
	"github.com/odyssey-erp/treemap/internal/platform/db"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/treemap"
	"github.com/odyssey-erp/treemap/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	reg, err := treemap.Registry()
	if err != nil {
		logger.Error("build model registry", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: int32(cfg.WorkerConcurrency) + 2})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var permCache rbac.PermissionCache
	if cfg.PermissionCacheTTL > 0 {
		redisClient, err := cache.New(ctx, cfg.RedisAddr, cache.Options{})
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		permCache = rbac.NewCache(redisClient, cfg.PermissionCacheTTL)
	}

	resolver := rbac.NewResolver(rbac.NewRepository(pool), permCache, logger)
	ledger := audit.NewLedger(audit.NewRepository(pool), reg, reputation.NewScorer(logger), nil, logger)
	engine := audit.NewEngine(ledger, resolver)
	batchJob := jobs.NewAuditBatchJob(engine, ledger, logger, jobmetrics.NewMetrics(nil))

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Queue:       cfg.BatchQueue,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditBatch, Handler: batchJob.Handle},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
