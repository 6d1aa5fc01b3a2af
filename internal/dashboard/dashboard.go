// Package dashboard serves a live summary of the frontend: registered
// executions, queued load tasks and the tasks the worker is driving.
package dashboard

import (
	"net/http"
	"slices"
	"time"

	"github.com/nadmax/pullload/internal/httputil"
	"github.com/nadmax/pullload/internal/registry"
	"github.com/nadmax/pullload/internal/task"
)

type QueryLister interface {
	Snapshot() []registry.Statistics
}

type QueueLen interface {
	Len() (int, error)
}

type ActiveLister interface {
	Active() []task.Info
}

type Dashboard struct {
	queries QueryLister
	queue   QueueLen
	worker  ActiveLister
	now     func() time.Time
}

type Stats struct {
	RegisteredQueries int            `json:"registered_queries"`
	LiveQueries       int            `json:"live_queries"`
	QueuedTasks       int            `json:"queued_tasks"`
	ActiveTasks       int            `json:"active_tasks"`
	TasksByState      map[string]int `json:"tasks_by_state"`
	LongestExecTime   string         `json:"longest_exec_time"`
	LastUpdated       time.Time      `json:"last_updated"`
}

type ActiveTask struct {
	JobID       int64     `json:"job_id"`
	TaskID      int       `json:"task_id"`
	State       string    `json:"state"`
	ExecutionID string    `json:"execution_id"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
}

func NewDashboard(queries QueryLister, queue QueueLen, worker ActiveLister) *Dashboard {
	return &Dashboard{queries: queries, queue: queue, worker: worker, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	depth, err := d.queue.Len()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queries := d.queries.Snapshot()
	active := d.worker.Active()
	stats := Stats{
		RegisteredQueries: len(queries),
		QueuedTasks:       depth,
		ActiveTasks:       len(active),
		TasksByState:      make(map[string]int),
		LongestExecTime:   "N/A",
		LastUpdated:       d.now(),
	}

	var longest int64 = -1
	for _, q := range queries {
		if q.Kind == registry.KindLiveCoordinator {
			stats.LiveQueries++
		}
		longest = max(longest, q.ExecTimeMillis)
	}
	if longest >= 0 {
		stats.LongestExecTime = (time.Duration(longest) * time.Millisecond).String()
	}
	for _, t := range active {
		stats.TasksByState[string(t.State)]++
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetActiveTasks lists the worker's tasks, longest running first.
func (d *Dashboard) GetActiveTasks(w http.ResponseWriter, r *http.Request) {
	now := d.now()
	tasks := []ActiveTask{}
	for _, t := range d.worker.Active() {
		var duration string
		if !t.StartedAt.IsZero() {
			end := now
			if !t.FinishedAt.IsZero() {
				end = t.FinishedAt
			}
			duration = end.Sub(t.StartedAt).Round(time.Millisecond).String()
		}

		tasks = append(tasks, ActiveTask{
			JobID:       t.JobID,
			TaskID:      t.TaskID,
			State:       string(t.State),
			ExecutionID: t.ExecutionID.String(),
			StartedAt:   t.StartedAt,
			Duration:    duration,
		})
	}
	slices.SortStableFunc(tasks, func(a, b ActiveTask) int { return a.StartedAt.Compare(b.StartedAt) })

	httputil.WriteJSON(w, http.StatusOK, tasks)
}
