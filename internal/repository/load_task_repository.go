// Package repository defines the persistence boundary for load task attempts.
package repository

import (
	"context"

	"github.com/nadmax/pullload/internal/repository/models"
)

type LoadTaskRepository interface {
	SaveAttempt(ctx context.Context, a *models.Attempt) error
	FinishAttempt(ctx context.Context, executionID string, o models.Outcome) error
	GetJobInfos(ctx context.Context, database string, limit int) ([]models.JobInfo, error)
	GetTaskAttempts(ctx context.Context, jobID int64) ([]models.Attempt, error)
	Close() error
}
