package procdir

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nadmax/pullload/internal/repository/models"
)

var LoadJobTitles = []string{
	"JobId", "Label", "State", "Progress",
	"EtlInfo", "TaskInfo", "ErrorMsg", "CreateTime",
	"EtlStartTime", "EtlFinishTime", "LoadStartTime", "LoadFinishTime",
	"URL",
}

const (
	LabelIndex = 1
	StateIndex = 2

	LoadJobLimit = 2000
)

type JobSource interface {
	GetJobInfos(ctx context.Context, database string, limit int) ([]models.JobInfo, error)
	GetTaskAttempts(ctx context.Context, jobID int64) ([]models.Attempt, error)
}

// LoadJobs lists the load jobs of one database.
type LoadJobs struct {
	src      JobSource
	database string
}

func NewLoadJobs(src JobSource, database string) *LoadJobs {
	return &LoadJobs{src: src, database: database}
}

// Fetch returns at most LoadJobLimit jobs, newest first.
func (l *LoadJobs) Fetch(ctx context.Context) (Result, error) {
	jobs, err := l.src.GetJobInfos(ctx, l.database, LoadJobLimit)
	if err != nil {
		return Result{}, fmt.Errorf("list load jobs of %s: %w", l.database, err)
	}
	if len(jobs) > LoadJobLimit {
		jobs = jobs[:LoadJobLimit]
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		createTime := j.CreateTime
		rows = append(rows, []string{
			strconv.FormatInt(j.JobID, 10),
			j.Label,
			j.State,
			j.Progress,
			j.EtlInfo,
			j.TaskInfo,
			orNA(j.ErrorMsg),
			formatTime(&createTime),
			formatTime(j.EtlStartTime),
			formatTime(j.EtlFinishTime),
			formatTime(j.LoadStartTime),
			formatTime(j.LoadFinishTime),
			orNA(j.URL),
		})
	}
	return Result{Names: LoadJobTitles, Rows: rows}, nil
}

// Lookup returns the task attempts of one job.
func (l *LoadJobs) Lookup(ctx context.Context, jobIDText string) ([]models.Attempt, error) {
	jobID, err := strconv.ParseInt(jobIDText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobID, jobIDText)
	}

	attempts, err := l.src.GetTaskAttempts(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}

	filtered := attempts[:0:0]
	for _, a := range attempts {
		if a.Database == "" || a.Database == l.database {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: load job %d", ErrNotFound, jobID)
	}
	return filtered, nil
}

// AnalyzeColumn returns the index of a load job title, ignoring case.
func AnalyzeColumn(name string) (int, error) {
	return analyzeColumn(LoadJobTitles, name)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
