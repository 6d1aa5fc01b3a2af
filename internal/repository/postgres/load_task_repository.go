// Package postgres provides PostgreSQL-backed implementations of repository interfaces.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/repository/models"
)

var ErrAttemptNotFound = errors.New("load task attempt not found")

const Schema = `
CREATE TABLE IF NOT EXISTS load_task_attempts (
	execution_id  TEXT PRIMARY KEY,
	job_id        BIGINT NOT NULL,
	task_id       INTEGER NOT NULL,
	label         TEXT NOT NULL DEFAULT '',
	database_name TEXT NOT NULL,
	table_name    TEXT NOT NULL,
	worker_id     TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	status_code   TEXT,
	error_msg     TEXT,
	tracking_url  TEXT,
	counters      JSONB,
	file_num      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	duration_ms   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_load_task_attempts_db ON load_task_attempts (database_name, job_id);
`

const attemptColumns = `
	execution_id, job_id, task_id, label, database_name, table_name,
	worker_id, state, COALESCE(status_code, ''), COALESCE(error_msg, ''),
	COALESCE(tracking_url, ''), counters, file_num,
	created_at, started_at, finished_at, duration_ms
`

type LoadTaskRepository struct {
	db *sql.DB
}

func NewLoadTaskRepository(connectionString string) (*LoadTaskRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &LoadTaskRepository{db: db}, nil
}

func NewLoadTaskRepositoryFromDB(db *sql.DB) *LoadTaskRepository {
	return &LoadTaskRepository{db: db}
}

func (r *LoadTaskRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *LoadTaskRepository) SaveAttempt(ctx context.Context, a *models.Attempt) error {
	query := `
		INSERT INTO load_task_attempts (
			execution_id, job_id, task_id, label, database_name, table_name,
			worker_id, state, file_num, created_at, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		a.ExecutionID,
		a.JobID,
		a.TaskID,
		a.Label,
		a.Database,
		a.Table,
		a.WorkerID,
		a.State,
		a.FileNum,
		a.CreatedAt,
		a.StartedAt,
	)

	return err
}

func (r *LoadTaskRepository) FinishAttempt(ctx context.Context, executionID string, o models.Outcome) error {
	var counters any
	if len(o.Counters) > 0 {
		data, err := json.Marshal(o.Counters)
		if err != nil {
			return fmt.Errorf("failed to marshal counters: %w", err)
		}
		counters = data
	}

	query := `
		UPDATE load_task_attempts
		SET state = $1,
		    status_code = $2,
		    error_msg = NULLIF($3, ''),
		    tracking_url = NULLIF($4, ''),
		    counters = $5,
		    finished_at = $6,
		    duration_ms = $7
		WHERE execution_id = $8
	`

	res, err := r.db.ExecContext(
		ctx,
		query,
		o.State,
		o.StatusCode,
		o.ErrorMsg,
		o.TrackingURL,
		counters,
		o.FinishedAt,
		o.DurationMs,
		executionID,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAttemptNotFound, executionID)
	}
	return nil
}

func (r *LoadTaskRepository) GetJobInfos(ctx context.Context, database string, limit int) ([]models.JobInfo, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM load_task_attempts
		WHERE database_name = $1 AND job_id IN (
			SELECT job_id FROM load_task_attempts
			WHERE database_name = $1
			GROUP BY job_id
			ORDER BY MIN(created_at) DESC
			LIMIT $2
		)
		ORDER BY job_id, task_id, started_at
	`

	attempts, err := r.queryAttempts(ctx, query, database, limit)
	if err != nil {
		return nil, err
	}
	return models.AggregateJobs(attempts), nil
}

func (r *LoadTaskRepository) GetTaskAttempts(ctx context.Context, jobID int64) ([]models.Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM load_task_attempts
		WHERE job_id = $1
		ORDER BY task_id, started_at
	`

	return r.queryAttempts(ctx, query, jobID)
}

func (r *LoadTaskRepository) queryAttempts(ctx context.Context, query string, args ...any) ([]models.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("failed to close rows", zap.Error(err))
		}
	}()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var counters []byte
		var finishedAt sql.NullTime
		var durationMs sql.NullInt64

		if err := rows.Scan(
			&a.ExecutionID,
			&a.JobID,
			&a.TaskID,
			&a.Label,
			&a.Database,
			&a.Table,
			&a.WorkerID,
			&a.State,
			&a.StatusCode,
			&a.ErrorMsg,
			&a.TrackingURL,
			&counters,
			&a.FileNum,
			&a.CreatedAt,
			&a.StartedAt,
			&finishedAt,
			&durationMs,
		); err != nil {
			return nil, err
		}

		if len(counters) > 0 {
			if err := json.Unmarshal(counters, &a.Counters); err != nil {
				return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
			}
		}
		if finishedAt.Valid {
			a.FinishedAt = &finishedAt.Time
		}
		if durationMs.Valid {
			d := int(durationMs.Int64)
			a.DurationMs = &d
		}

		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

func (r *LoadTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *LoadTaskRepository) Close() error {
	return r.db.Close()
}
