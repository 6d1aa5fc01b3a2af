// Package worker provides the background pool that consumes load task specs
// from the queue and drives each one through a Task to a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/metrics"
	"github.com/nadmax/pullload/internal/repository"
	"github.com/nadmax/pullload/internal/repository/models"
	"github.com/nadmax/pullload/internal/status"
	"github.com/nadmax/pullload/internal/task"
)

var ErrTaskNotActive = errors.New("load task is not active")

const repoTimeout = 5 * time.Second

type SpecQueue interface {
	Dequeue() (*task.Spec, error)
	Requeue(spec *task.Spec) error
	Complete(spec *task.Spec) error
}

// MemLimits supplies a per-user memory limit for specs that carry none.
type MemLimits interface {
	ExecMemLimit(ctx context.Context, user string) (int64, bool, error)
}

type Worker struct {
	id           string
	queue        SpecQueue
	rt           task.Runtime
	repo         repository.LoadTaskRepository
	limits       MemLimits
	slots        int
	pollInterval time.Duration
	log          *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[string]*task.Task
}

// NewWorker builds a pool of slots loops. repo may be nil, in which case
// attempts are not persisted.
func NewWorker(id string, q SpecQueue, rt task.Runtime, repo repository.LoadTaskRepository, slots int) *Worker {
	if slots <= 0 {
		slots = 1
	}
	log := rt.Logger
	if log == nil {
		log = logger.L()
	}
	return &Worker{
		id:           id,
		queue:        q,
		rt:           rt,
		repo:         repo,
		slots:        slots,
		pollInterval: time.Second,
		log:          log.With(zap.String("worker_id", id)),
		stop:         make(chan struct{}),
		active:       make(map[string]*task.Task),
	}
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

func (w *Worker) SetMemLimits(l MemLimits) {
	w.limits = l
}

// Start launches the slot loops and returns.
func (w *Worker) Start() {
	w.log.Info("worker started", zap.Int("slots", w.slots))
	for slot := range w.slots {
		w.wg.Add(1)
		go w.loop(slot)
	}
}

// Stop cancels the active tasks and waits for every loop to return. A task
// still planning is not executed; its spec goes back to the queue.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})

	w.mu.Lock()
	for _, t := range w.active {
		t.Cancel()
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("worker stopped")
}

// Cancel signals the coordinator of an active task.
func (w *Worker) Cancel(jobID int64, taskID int) error {
	key := task.SpecKey(jobID, taskID)

	w.mu.Lock()
	t, ok := w.active[key]
	w.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotActive, key)
	}
	t.Cancel()
	return nil
}

// Active returns a snapshot of the tasks currently held by the pool.
func (w *Worker) Active() []task.Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	infos := make([]task.Info, 0, len(w.active))
	for _, t := range w.active {
		infos = append(infos, t.Snapshot())
	}
	return infos
}

func (w *Worker) loop(slot int) {
	defer w.wg.Done()
	log := w.log.With(zap.Int("slot", slot))

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		spec, err := w.queue.Dequeue()
		if err != nil {
			log.Warn("failed to dequeue load task", zap.Error(err))
		}
		if err != nil || spec == nil {
			select {
			case <-w.stop:
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}

		if !w.processSpec(spec) {
			select {
			case <-w.stop:
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// processSpec drives spec to a terminal state. It reports false when the
// spec was put back in the queue instead.
func (w *Worker) processSpec(spec *task.Spec) bool {
	key := spec.Key()
	log := w.log.With(zap.String("load_task", key))
	log.Info("processing load task")

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.fillMemLimit(spec, log)

	var attemptID string
	rt := w.rt
	rt.OnAttemptStart = func(id execid.ID, startedAt time.Time) {
		attemptID = id.String()
		w.saveAttempt(spec, attemptID, startedAt, log)
	}
	t := task.NewTask(spec, rt)

	w.mu.Lock()
	if _, busy := w.active[key]; busy {
		w.mu.Unlock()
		log.Info("load task already active, requeueing resubmission")
		w.requeue(spec, log)
		return false
	}
	w.active[key] = t
	w.mu.Unlock()

	requeued := false
	defer func() {
		w.mu.Lock()
		delete(w.active, key)
		w.mu.Unlock()

		if requeued {
			return
		}
		if err := w.queue.Complete(spec); err != nil {
			log.Warn("failed to remove load task spec", zap.Error(err))
		}
	}()

	start := time.Now()
	if err := t.Plan(); err != nil {
		log.Error("failed to plan load task", zap.Error(err))
		id := execid.New().String()
		now := time.Now()
		w.saveAttempt(spec, id, start, log)
		w.finishAttempt(id, models.Outcome{
			State:      models.StateFailed,
			StatusCode: status.CodePlanError.String(),
			ErrorMsg:   err.Error(),
			FinishedAt: now,
			DurationMs: int(now.Sub(start).Milliseconds()),
		}, log)
		metrics.RecordLoadTask(models.StateFailed, now.Sub(start))
		return true
	}

	if w.stopping() {
		log.Info("worker stopping, leaving load task queued")
		w.requeue(spec, log)
		requeued = true
		return false
	}

	if err := t.Execute(); err != nil {
		log.Error("load task execution fault", zap.Error(err))
	}

	info := t.Snapshot()
	duration := info.FinishedAt.Sub(info.StartedAt)
	w.finishAttempt(attemptID, models.Outcome{
		State:       string(info.State),
		StatusCode:  info.Status.Code.String(),
		ErrorMsg:    info.Status.Message,
		TrackingURL: info.TrackingURL,
		Counters:    info.Counters,
		FinishedAt:  info.FinishedAt,
		DurationMs:  int(duration.Milliseconds()),
	}, log)
	metrics.RecordLoadTask(string(info.State), duration)

	log.Info("load task done",
		zap.String("state", string(info.State)),
		zap.Stringer("status", info.Status),
		zap.Int("delta_files", len(info.FileMap)),
	)
	return true
}

func (w *Worker) requeue(spec *task.Spec, log *zap.Logger) {
	if err := w.queue.Requeue(spec); err != nil {
		log.Error("failed to requeue load task spec", zap.Error(err))
	}
}

func (w *Worker) fillMemLimit(spec *task.Spec, log *zap.Logger) {
	if spec.ExecMemLimit > 0 || w.limits == nil || spec.User == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	limit, ok, err := w.limits.ExecMemLimit(ctx, spec.User)
	if err != nil {
		log.Warn("failed to load user properties", zap.String("user", spec.User), zap.Error(err))
		return
	}
	if ok {
		spec.ExecMemLimit = limit
	}
}

func (w *Worker) saveAttempt(spec *task.Spec, executionID string, startedAt time.Time, log *zap.Logger) {
	if w.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	createdAt := spec.CreatedAt
	if createdAt.IsZero() {
		createdAt = startedAt
	}
	if err := w.repo.SaveAttempt(ctx, &models.Attempt{
		ExecutionID: executionID,
		JobID:       spec.JobID,
		TaskID:      spec.TaskID,
		Label:       spec.Label,
		Database:    spec.Database.Name,
		Table:       spec.Table.Name,
		WorkerID:    w.id,
		State:       models.StateRunning,
		FileNum:     spec.FileNum,
		CreatedAt:   createdAt,
		StartedAt:   startedAt,
	}); err != nil {
		log.Error("failed to save load task attempt", zap.String("execution_id", executionID), zap.Error(err))
	}
}

func (w *Worker) finishAttempt(executionID string, o models.Outcome, log *zap.Logger) {
	if w.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	if err := w.repo.FinishAttempt(ctx, executionID, o); err != nil {
		log.Error("failed to finish load task attempt", zap.String("execution_id", executionID), zap.Error(err))
	}
}
