package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-hr/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-hr/internal/app"
	authzhttp "github.com/odyssey-erp/odyssey-hr/internal/authz/http"
	"github.com/odyssey-erp/odyssey-hr/internal/conflict"
	"github.com/odyssey-erp/odyssey-hr/internal/enforce"
	jobmetrics "github.com/odyssey-erp/odyssey-hr/internal/jobs"
	"github.com/odyssey-erp/odyssey-hr/internal/observability"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
	"github.com/odyssey-erp/odyssey-hr/internal/policy"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	"github.com/odyssey-erp/odyssey-hr/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, os.Args[2:]))
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, sessions and rule notifications degrade", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	auditLogger := shared.NewAuditLogger(dbpool)

	bus := rules.NewRedisBus(redisClient, cfg.RulesChannel, logger)
	store := rules.NewPostgresStore(dbpool, bus, logger)
	holder := rules.NewHolder(store, logger, rules.WithReloadObserver(metrics))
	if _, err := holder.Reload(ctx); err != nil {
		logger.Warn("initial rule snapshot", slog.Any("error", err))
	}
	go func() {
		if err := holder.Watch(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("rule change watcher stopped", slog.Any("error", err))
		}
	}()

	sessions := session.NewRedisStore(redisClient, store, logger,
		session.WithTTL(cfg.PreviewTTL, cfg.ImpersonationTTL),
		session.WithAudit(auditLogger),
		session.WithOnChange(func(ctx context.Context, actorID string) {
			if _, err := holder.RefreshActor(ctx, actorID); err != nil {
				logger.Warn("refresh actor rules", slog.String("actor_id", actorID), slog.Any("error", err))
			}
		}),
	)
	resolver := rbac.NewResolver(sessions, store, logger)
	evaluator := rbac.NewEvaluator(holder, logger, rbac.WithDecisionObserver(metrics))
	engine := policy.NewEngine(holder, logger)

	dispatcher, closeDispatcher := newDispatcher(cfg, store, metrics, jobMetrics, logger)
	defer closeDispatcher()
	policies := policy.NewService(store, holder, dispatcher, auditLogger, logger)

	guards := enforce.DefaultGuards()
	if err := enforce.ApplyFallbacks(guards, cfg.GuardFallbacks); err != nil {
		logger.Error("guard fallbacks", slog.Any("error", err))
		os.Exit(1)
	}
	facade := enforce.NewFacade(resolver, evaluator, engine,
		enforce.WithGuards(guards),
		enforce.WithDenialSinks(enforce.LogSink{Logger: logger}, metrics),
	)

	operators, err := authzhttp.NewOperatorAuth(cfg.OperatorTokenHash)
	if err != nil {
		logger.Error("operator token hash", slog.Any("error", err))
		os.Exit(1)
	}
	authzHandler := authzhttp.NewHandler(authzhttp.Config{
		Logger:    logger,
		Resolver:  resolver,
		Evaluator: evaluator,
		Engine:    engine,
		Guards:    facade,
		Policies:  policies,
		Sessions:  sessions,
		Operators: operators,
		RBAC:      rbac.Middleware{Resolver: resolver, Evaluator: evaluator, Logger: logger},
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthzHandler: authzHandler,
		JobHandler:   jobHandler,
		Metrics:      metrics,
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

// newDispatcher picks where conflict analysis runs after a policy write.
func newDispatcher(cfg *app.Config, store *rules.PostgresStore, metrics *observability.Metrics, jobMetrics *jobmetrics.Metrics, logger *slog.Logger) (policy.ConflictDispatcher, func()) {
	if cfg.ConflictDispatch == app.DispatchQueue {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		return jobs.NewQueueDispatcher(client, jobMetrics), func() {
			if err := client.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}
	}
	detector := conflict.NewDetector(store, metrics, logger)
	inline := conflict.NewInlineDispatcher(detector, cfg.ConflictTimeout, logger)
	return inline, inline.Wait
}

func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	c, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		slog.Default().Error("jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() { _ = c.Close() }()
	return cli.Run(ctx, c, args, os.Stdout, os.Stderr)
}
