package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/treemap/internal/app"
	"github.com/odyssey-erp/treemap/internal/audit"
	audithttp "github.com/odyssey-erp/treemap/internal/audit/http"
	"github.com/odyssey-erp/treemap/internal/authz"
	authzhttp "github.com/odyssey-erp/treemap/internal/authz/http"
	"github.com/odyssey-erp/treemap/internal/entity"
	"github.com/odyssey-erp/treemap/internal/observability"
	"github.com/odyssey-erp/treemap/internal/platform/cache"
	"github.com/odyssey-erp/treemap/internal/platform/db"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/seed"
	"github.com/odyssey-erp/treemap/internal/treemap"
	"github.com/odyssey-erp/treemap/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()

	rbacRepo := rbac.NewRepository(dbpool)
	var (
		permCache   rbac.PermissionCache
		invalidator rbac.Invalidator
	)
	if cfg.PermissionCacheTTL > 0 {
		c := rbac.NewCache(redisClient, cfg.PermissionCacheTTL)
		permCache, invalidator = c, c
	}
	resolver := rbac.NewResolver(rbacRepo, permCache, logger)
	rbacService := rbac.NewService(rbacRepo, reg, invalidator, logger)

	reputationStore := reputation.NewStore(dbpool)
	reputationService := reputation.NewService(reputationStore, audit.KnownAction)

	if cfg.PermissionSeedFile != "" {
		file, err := seed.Load(cfg.PermissionSeedFile)
		if err != nil {
			logger.Error("load seed file", slog.String("path", cfg.PermissionSeedFile), slog.Any("error", err))
			os.Exit(1)
		}
		if err := seed.NewApplier(rbacService, reputationService, logger).Apply(ctx, file); err != nil {
			logger.Error("apply seed file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	auditRepo := audit.NewRepository(dbpool)
	ledger := audit.NewLedger(auditRepo, reg, reputation.NewScorer(logger), metrics, logger)
	engine := audit.NewEngine(ledger, resolver)
	gate := authz.NewGate(resolver, ledger, reg, metrics, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts, cfg.BatchQueue)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("job inspector close", slog.Any("error", err))
		}
	}()

	users := rbac.Middleware{Logger: logger}
	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Users:              users,
		AuditHandler:       audithttp.NewHandler(logger, ledger, engine, gate, jobClient),
		RecordsHandler:     authzhttp.NewHandler(logger, gate, entity.NewStore(dbpool), ledger, reg),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, resolver),
		JobHandler:         jobs.NewHandler(inspector, cfg.BatchQueue, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
