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

	"github.com/nadmax/pullload/internal/backend"
	"github.com/nadmax/pullload/internal/config"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/middleware"
)

func main() {
	cfg, err := config.Load(os.Getenv("PULLLOAD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(&cfg.Log)
	defer logger.Sync()

	reporter := backend.NewHTTPReporter(cfg.Agent.FrontendAddr, 10*time.Second)
	agent := backend.NewAgent(backend.Options{
		Addr:      cfg.Agent.Addr,
		OutputDir: cfg.Agent.OutputDir,
	}, reporter, logger.L())

	srv := &http.Server{
		Addr:              ":" + cfg.Agent.Port,
		Handler:           middleware.MetricsMiddleware(agent.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("backend agent starting",
			zap.String("port", cfg.Agent.Port),
			zap.String("frontend", cfg.Agent.FrontendAddr),
			zap.String("output_dir", cfg.Agent.OutputDir),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("backend agent failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down backend agent")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("backend agent shutdown failed", zap.Error(err))
	}
	agent.Shutdown()
}
