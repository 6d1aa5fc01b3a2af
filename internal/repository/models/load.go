// Package models contains data structures used by the load task repository
// layer.
package models

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	StateRunning   = "RUNNING"
	StateFinished  = "FINISHED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// Attempt is one execution attempt of a load task.
type Attempt struct {
	ExecutionID string            `json:"execution_id"`
	JobID       int64             `json:"job_id"`
	TaskID      int               `json:"task_id"`
	Label       string            `json:"label"`
	Database    string            `json:"database"`
	Table       string            `json:"table"`
	WorkerID    string            `json:"worker_id"`
	State       string            `json:"state"`
	StatusCode  string            `json:"status_code,omitempty"`
	ErrorMsg    string            `json:"error_msg,omitempty"`
	TrackingURL string            `json:"tracking_url,omitempty"`
	Counters    map[string]string `json:"counters,omitempty"`
	FileNum     int               `json:"file_num"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	DurationMs  *int              `json:"duration_ms,omitempty"`
}

// Outcome is what FinishAttempt records for a terminal attempt.
type Outcome struct {
	State       string
	StatusCode  string
	ErrorMsg    string
	TrackingURL string
	Counters    map[string]string
	FinishedAt  time.Time
	DurationMs  int
}

// JobInfo is the per-job aggregate shown by load job listings.
type JobInfo struct {
	JobID          int64      `json:"job_id"`
	Label          string     `json:"label"`
	State          string     `json:"state"`
	Progress       string     `json:"progress"`
	EtlInfo        string     `json:"etl_info"`
	TaskInfo       string     `json:"task_info"`
	ErrorMsg       string     `json:"error_msg,omitempty"`
	CreateTime     time.Time  `json:"create_time"`
	EtlStartTime   *time.Time `json:"etl_start_time,omitempty"`
	EtlFinishTime  *time.Time `json:"etl_finish_time,omitempty"`
	LoadStartTime  *time.Time `json:"load_start_time,omitempty"`
	LoadFinishTime *time.Time `json:"load_finish_time,omitempty"`
	URL            string     `json:"url,omitempty"`
}

// AggregateJobs folds attempts into one JobInfo per job, newest job first.
// Only the latest attempt of every task counts towards the job state.
func AggregateJobs(attempts []Attempt) []JobInfo {
	type taskKey struct {
		job  int64
		task int
	}

	latest := make(map[taskKey]Attempt)
	for _, a := range attempts {
		k := taskKey{a.JobID, a.TaskID}
		if cur, ok := latest[k]; !ok || a.StartedAt.After(cur.StartedAt) {
			latest[k] = a
		}
	}

	byJob := make(map[int64][]Attempt)
	for _, a := range latest {
		byJob[a.JobID] = append(byJob[a.JobID], a)
	}

	jobs := make([]JobInfo, 0, len(byJob))
	for id, tasks := range byJob {
		slices.SortFunc(tasks, func(a, b Attempt) int { return a.TaskID - b.TaskID })
		jobs = append(jobs, aggregateJob(id, tasks))
	}

	slices.SortFunc(jobs, func(a, b JobInfo) int {
		if c := b.CreateTime.Compare(a.CreateTime); c != 0 {
			return c
		}
		switch {
		case a.JobID > b.JobID:
			return -1
		case a.JobID < b.JobID:
			return 1
		}
		return 0
	})
	return jobs
}

func aggregateJob(id int64, tasks []Attempt) JobInfo {
	info := JobInfo{JobID: id, Label: tasks[0].Label, CreateTime: tasks[0].CreatedAt}

	var finished, files int
	var anyFailed, anyCancelled bool
	var start, end *time.Time
	counters := make(map[string]string)
	for _, a := range tasks {
		if a.CreatedAt.Before(info.CreateTime) {
			info.CreateTime = a.CreatedAt
		}
		if start == nil || a.StartedAt.Before(*start) {
			s := a.StartedAt
			start = &s
		}
		if a.FinishedAt != nil && (end == nil || a.FinishedAt.After(*end)) {
			end = a.FinishedAt
		}
		files += a.FileNum

		switch a.State {
		case StateFinished:
			finished++
		case StateFailed:
			anyFailed = true
			if info.ErrorMsg == "" {
				info.ErrorMsg = fmt.Sprintf("%s: %s", a.StatusCode, a.ErrorMsg)
			}
		case StateCancelled:
			anyCancelled = true
			if info.ErrorMsg == "" {
				info.ErrorMsg = fmt.Sprintf("%s: %s", a.StatusCode, a.ErrorMsg)
			}
		}
		if info.URL == "" {
			info.URL = a.TrackingURL
		}
		sumCounters(counters, a.Counters)
	}

	switch {
	case anyCancelled:
		info.State = StateCancelled
	case anyFailed:
		info.State = StateFailed
	case finished == len(tasks):
		info.State = StateFinished
	default:
		info.State = StateRunning
	}

	info.Progress = fmt.Sprintf("%d/%d", finished, len(tasks))
	info.EtlInfo = formatCounters(counters)
	info.TaskInfo = fmt.Sprintf("tasks:%d; files:%d", len(tasks), files)
	info.EtlStartTime, info.LoadStartTime = start, start
	if info.State != StateRunning {
		info.EtlFinishTime, info.LoadFinishTime = end, end
	}
	return info
}

func sumCounters(dst, src map[string]string) {
	for k, v := range src {
		prev, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		a, errA := strconv.ParseInt(prev, 10, 64)
		b, errB := strconv.ParseInt(v, 10, 64)
		if errA == nil && errB == nil {
			dst[k] = strconv.FormatInt(a+b, 10)
		} else {
			dst[k] = v
		}
	}
}

func formatCounters(counters map[string]string) string {
	if len(counters) == 0 {
		return "N/A"
	}
	parts := make([]string, 0, len(counters))
	for _, k := range slices.Sorted(maps.Keys(counters)) {
		parts = append(parts, k+"="+counters[k])
	}
	return strings.Join(parts, "; ")
}
