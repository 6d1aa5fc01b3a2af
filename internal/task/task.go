package task

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/config"
	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/plan"
	"github.com/nadmax/pullload/internal/registry"
	"github.com/nadmax/pullload/internal/status"
)

var (
	ErrAlreadyExecuting = errors.New("task already executing")
	ErrNotPlanned       = errors.New("task not planned")
)

type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateFinished  State = "FINISHED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Runtime carries the collaborators shared by every task of a process.
type Runtime struct {
	Planner        plan.Planner
	NewCoordinator coordinator.Factory
	Registry       *registry.Registry
	DefaultTimeout time.Duration
	Rounding       config.Rounding
	ClusterName    string
	Now            func() time.Time
	Logger         *zap.Logger

	// OnAttemptStart, if set, is called once per Execute with the minted
	// execution id before any coordinator is built.
	OnAttemptStart func(id execid.ID, startedAt time.Time)
}

// Info is a consistent copy of a task's runtime fields.
type Info struct {
	JobID       int64             `json:"job_id"`
	TaskID      int               `json:"task_id"`
	State       State             `json:"state"`
	Status      status.Status     `json:"status"`
	ExecutionID execid.ID         `json:"execution_id"`
	FileMap     map[string]int64  `json:"file_map,omitempty"`
	Counters    map[string]string `json:"counters,omitempty"`
	TrackingURL string            `json:"tracking_url,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	FinishedAt  time.Time         `json:"finished_at,omitzero"`
}

// Task drives one load sub-task. All runtime fields are guarded by mu so a
// transition is observed as a whole.
type Task struct {
	spec *Spec
	rt   Runtime
	log  *zap.Logger

	mu          sync.Mutex
	plan        *plan.Plan
	executing   bool
	execID      execid.ID
	coord       coordinator.Coordinator
	cancelled   bool
	state       State
	status      status.Status
	fileMap     map[string]int64
	counters    map[string]string
	trackingURL string
	startedAt   time.Time
	finishedAt  time.Time
}

func NewTask(spec *Spec, rt Runtime) *Task {
	if rt.Now == nil {
		rt.Now = time.Now
	}
	if rt.Rounding == "" {
		rt.Rounding = config.RoundFloor
	}
	if rt.Logger == nil {
		rt.Logger = logger.L()
	}
	return &Task{
		spec:   spec,
		rt:     rt,
		log:    rt.Logger.With(zap.Int64("job_id", spec.JobID), zap.Int("task_id", spec.TaskID)),
		state:  StatePending,
		status: status.OK,
	}
}

func (t *Task) Spec() *Spec {
	return t.spec
}

// Plan builds the distributed plan from the listed file statuses. It may be
// called again between executions.
func (t *Task) Plan() error {
	t.mu.Lock()
	if t.executing {
		t.mu.Unlock()
		return ErrAlreadyExecuting
	}
	t.mu.Unlock()

	p, err := t.rt.Planner.Plan(t.spec.request())
	if err != nil {
		if !errors.Is(err, plan.ErrPlan) {
			err = fmt.Errorf("%w: %v", plan.ErrPlan, err)
		}
		return fmt.Errorf("plan load task %s: %w", t.spec.Key(), err)
	}

	t.mu.Lock()
	t.plan = p
	t.mu.Unlock()
	return nil
}

// Execute runs one execution attempt and blocks until it reaches a terminal
// state or the wait window elapses. The outcome is read through State and
// Status; an error is returned only for misuse and for faults building or
// registering the coordinator.
func (t *Task) Execute() error {
	t.mu.Lock()
	if t.executing {
		t.mu.Unlock()
		return ErrAlreadyExecuting
	}
	if t.plan == nil {
		t.mu.Unlock()
		return ErrNotPlanned
	}
	t.executing = true
	id := execid.New()
	t.execID = id
	t.state = StateRunning
	t.status = status.OK
	t.fileMap, t.counters, t.trackingURL = nil, nil, ""
	t.startedAt, t.finishedAt = t.rt.Now(), time.Time{}
	p := t.plan
	wait := t.waitSeconds()
	startedAt := t.startedAt
	preCancelled := t.cancelled
	t.cancelled = false
	t.mu.Unlock()

	defer t.endExecute()

	if t.rt.OnAttemptStart != nil {
		t.rt.OnAttemptStart(id, startedAt)
	}

	log := t.log.With(zap.String("execution_id", id.String()))
	if preCancelled {
		log.Info("load task cancelled before execution")
		t.OnCancelled()
		return nil
	}
	if wait <= 0 {
		log.Info("load task deadline already passed")
		t.OnCancelled()
		return nil
	}

	coord, err := t.rt.NewCoordinator(coordinator.Params{
		ID:           id,
		Plan:         p,
		ClusterName:  t.clusterName(),
		QueryType:    coordinator.QueryTypeLoad,
		ExecMemLimit: t.spec.ExecMemLimit,
		Timeout:      time.Duration(wait) * time.Second,
	})
	if err != nil {
		t.OnAttemptFailed(id, status.Newf(status.CodeInternalError, "build coordinator: %v", err))
		return fmt.Errorf("build coordinator for %s: %w", id, err)
	}

	t.mu.Lock()
	t.coord = coord
	cancelNow := t.cancelled
	t.cancelled = false
	t.mu.Unlock()

	info := registry.QueryInfo{
		Database: t.spec.Database.Name,
		User:     t.spec.User,
		SQL:      fmt.Sprintf("LOAD %s INTO %s", t.spec.Key(), t.spec.Table.Name),
	}
	if err := t.rt.Registry.Register(id, coord, info, registry.WithListener(t)); err != nil {
		t.OnAttemptFailed(id, status.New(status.CodeInternalError, err.Error()))
		return fmt.Errorf("register %s: %w", id, err)
	}
	defer t.rt.Registry.Unregister(id)

	log.Info("load task running", zap.Int("wait_seconds", wait), zap.Int("instances", p.NumInstances()))
	t.run(id, coord, wait, cancelNow, log)
	return nil
}

func (t *Task) run(id execid.ID, coord coordinator.Coordinator, wait int, cancelNow bool, log *zap.Logger) {
	if cancelNow {
		log.Info("cancel arrived while coordinator was built")
		coord.Cancel()
	} else if err := coord.Exec(); err != nil {
		log.Warn("coordinator execute failed", zap.Error(err))
		t.OnAttemptFailed(id, status.New(status.CodeInternalError, "coordinator execute failed"))
	}

	if !coord.Join(time.Duration(wait) * time.Second) {
		log.Warn("load task wait window elapsed", zap.Int("wait_seconds", wait))
		t.transition(StateCancelled, status.Newf(status.CodeCancelled, "load task timed out after %ds", wait), nil, nil, "")
		return
	}

	st := coord.Status()
	if !st.OK() {
		t.OnAttemptFailed(id, st)
		return
	}

	files := make(map[string]int64)
	for _, f := range coord.DeltaURLs() {
		files[f] = -1
	}
	t.OnFinished(files, coord.LoadCounters(), coord.TrackingURL())
}

func (t *Task) endExecute() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.executing = false
	t.coord = nil
	t.log.Info("load task attempt ended",
		zap.String("execution_id", t.execID.String()),
		zap.String("state", string(t.state)),
		zap.Stringer("status", t.status),
	)
}

// waitSeconds must be called with mu held.
func (t *Task) waitSeconds() int {
	if t.spec.Deadline.IsZero() {
		return t.rt.Rounding.WaitSeconds(t.rt.DefaultTimeout)
	}
	return t.rt.Rounding.WaitSeconds(t.spec.Deadline.Sub(t.rt.Now()))
}

func (t *Task) clusterName() string {
	if t.spec.Database.ClusterName != "" {
		return t.spec.Database.ClusterName
	}
	return t.rt.ClusterName
}

// Cancel signals the attached coordinator. The state flips once the blocked
// Execute observes the outcome. Without a coordinator the cancel is held
// until the next Execute attaches one; a terminal task ignores it.
func (t *Task) Cancel() {
	t.mu.Lock()
	coord := t.coord
	if coord == nil && !t.state.Terminal() {
		t.cancelled = true
	}
	t.mu.Unlock()

	if coord != nil {
		t.log.Info("cancelling load task", zap.String("execution_id", t.ExecutionID().String()))
		coord.Cancel()
	}
}

// OnAttemptFailed fails the task only when id is the running attempt.
func (t *Task) OnAttemptFailed(id execid.ID, st status.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning {
		return
	}
	if t.execID != id {
		t.log.Info("dropping stale failure report",
			zap.String("execution_id", id.String()),
			zap.String("current_execution_id", t.execID.String()),
		)
		return
	}
	t.setTerminal(StateFailed, st, nil, nil, "")
}

func (t *Task) OnFailed(st status.Status) {
	t.transition(StateFailed, st, nil, nil, "")
}

func (t *Task) OnCancelled() {
	t.transition(StateCancelled, status.Cancelled("load task cancelled"), nil, nil, "")
}

func (t *Task) OnFinished(fileMap map[string]int64, counters map[string]string, trackingURL string) {
	t.transition(StateFinished, status.OK, fileMap, counters, trackingURL)
}

func (t *Task) transition(to State, st status.Status, fileMap map[string]int64, counters map[string]string, trackingURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning {
		return
	}
	t.setTerminal(to, st, fileMap, counters, trackingURL)
}

// setTerminal must be called with mu held and state RUNNING.
func (t *Task) setTerminal(to State, st status.Status, fileMap map[string]int64, counters map[string]string, trackingURL string) {
	t.state = to
	t.status = st
	t.fileMap = fileMap
	t.counters = counters
	t.trackingURL = trackingURL
	t.finishedAt = t.rt.Now()
	t.log.Debug("load task transition",
		zap.String("execution_id", t.execID.String()),
		zap.String("state", string(to)),
		zap.Stringer("status", st),
	)
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateFinished
}

func (t *Task) Status() status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) ExecutionID() execid.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execID
}

func (t *Task) FileMap() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.fileMap)
}

func (t *Task) Counters() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.counters)
}

func (t *Task) TrackingURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackingURL
}

func (t *Task) Snapshot() Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Info{
		JobID:       t.spec.JobID,
		TaskID:      t.spec.TaskID,
		State:       t.state,
		Status:      t.status,
		ExecutionID: t.execID,
		FileMap:     maps.Clone(t.fileMap),
		Counters:    maps.Clone(t.counters),
		TrackingURL: t.trackingURL,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
	}
}
