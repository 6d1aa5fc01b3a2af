package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/api"
	"github.com/nadmax/pullload/internal/config"
	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/plan"
	"github.com/nadmax/pullload/internal/procdir"
	"github.com/nadmax/pullload/internal/queue"
	"github.com/nadmax/pullload/internal/registry"
	"github.com/nadmax/pullload/internal/repository"
	"github.com/nadmax/pullload/internal/repository/postgres"
	"github.com/nadmax/pullload/internal/task"
	"github.com/nadmax/pullload/internal/userprop"
	"github.com/nadmax/pullload/internal/worker"
)

const backendTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("PULLLOAD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(&cfg.Log)
	defer logger.Sync()

	q, err := queue.NewQueue(cfg.Redis.Addr)
	if err != nil {
		logger.Fatal("failed to connect to queue", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("failed to close server queue", zap.Error(err))
		}
	}()

	var (
		repo repository.LoadTaskRepository
		jobs procdir.JobSource
	)
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.NewLoadTaskRepository(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.EnsureSchema(ctx)
		cancel()
		if err != nil {
			logger.Fatal("failed to create schema", zap.Error(err))
		}

		defer func() {
			if err := pg.Close(); err != nil {
				logger.Error("failed to close Postgres repository", zap.Error(err))
			}
		}()
		repo, jobs = pg, pg
	} else {
		logger.Warn("POSTGRES_DSN not set, load history is disabled")
	}

	if len(cfg.Load.Backends) == 0 {
		logger.Warn("no backends configured, every load task will fail to build a coordinator")
	}

	log := logger.L()
	reg := registry.New(log)
	users := userprop.NewRedisStore(q.Client())

	rt := task.Runtime{
		Planner:        plan.NewBrokerPlanner(cfg.Load.MaxFilesPerInstance),
		NewCoordinator: coordinator.NewFanoutFactory(cfg.Load.Backends, coordinator.NewHTTPBackendClient(backendTimeout), log),
		Registry:       reg,
		DefaultTimeout: cfg.DefaultTimeout(),
		Rounding:       cfg.Load.WaitRounding,
		ClusterName:    cfg.Load.ClusterName,
		Logger:         log,
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	w := worker.NewWorker(workerID, q, rt, repo, cfg.Worker.Slots)
	w.SetPollInterval(cfg.Worker.PollInterval)
	w.SetMemLimits(users)
	w.Start()

	apiHandler := api.NewAPI(api.Deps{
		Registry: reg,
		Queue:    q,
		Worker:   w,
		Jobs:     jobs,
		Users:    users,
		Logger:   log,
	})

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	go startMetricsCollector(collectorCtx, reg, q)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("queue_addr", cfg.Redis.Addr),
			zap.Strings("backends", cfg.Load.Backends),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
