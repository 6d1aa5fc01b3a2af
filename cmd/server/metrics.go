package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/metrics"
	"github.com/nadmax/pullload/internal/queue"
	"github.com/nadmax/pullload/internal/registry"
)

func startMetricsCollector(ctx context.Context, reg *registry.Registry, q *queue.Queue) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateMetrics(reg, q)
		}
	}
}

func updateMetrics(reg *registry.Registry, q *queue.Queue) {
	metrics.UpdateRegistryEntries(reg.Len())

	depth, err := q.Len()
	if err != nil {
		logger.Warn("failed to read queue depth for metrics", zap.Error(err))
		return
	}
	metrics.UpdateQueueDepth(depth)
}
