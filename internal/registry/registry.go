// Package registry tracks in-flight distributed executions by execution id.
// It routes remote status reports to the live coordinator of an execution and
// serves point-in-time statistics for introspection.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/metrics"
	"github.com/nadmax/pullload/internal/status"
)

var (
	ErrDuplicateID = errors.New("execution id already registered")
	ErrNotFound    = errors.New("execution not found")
)

type EntryKind int

const (
	KindLiveCoordinator EntryKind = iota
	KindInfoOnly
)

func (k EntryKind) String() string {
	if k == KindInfoOnly {
		return "info_only"
	}
	return "live_coordinator"
}

// QueryInfo is the summary an execution is registered with.
type QueryInfo struct {
	Database  string
	User      string
	SQL       string
	StartTime time.Time
}

// Statistics is the read-only projection returned by Snapshot and Lookup.
type Statistics struct {
	QueryID        string    `json:"query_id"`
	Database       string    `json:"database"`
	User           string    `json:"user"`
	SQL            string    `json:"sql,omitempty"`
	Kind           EntryKind `json:"-"`
	StartTime      time.Time `json:"start_time"`
	ExecTimeMillis int64     `json:"exec_time_ms"`
}

// FailureListener is told about done, non-OK reports for the execution it
// was registered with.
type FailureListener interface {
	OnAttemptFailed(id execid.ID, st status.Status)
}

type entry struct {
	kind     EntryKind
	coord    coordinator.Coordinator
	info     QueryInfo
	listener FailureListener
}

type Option func(*entry)

func WithListener(l FailureListener) Option {
	return func(e *entry) {
		e.listener = l
	}
}

type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeUnknownQuery  Outcome = "unknown_query"
	OutcomeNoCoordinator Outcome = "no_coordinator"
	OutcomeRejected      Outcome = "rejected"
)

// ReportResult is the acknowledgement returned to a reporting backend. It
// never carries the execution's own failure back to the reporter.
type ReportResult struct {
	Outcome Outcome       `json:"outcome"`
	Status  status.Status `json:"status"`
}

type Registry struct {
	mu      sync.Mutex
	entries map[execid.ID]*entry
	now     func() time.Time
	log     *zap.Logger
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = logger.L()
	}
	return &Registry{
		entries: make(map[execid.ID]*entry),
		now:     time.Now,
		log:     log,
	}
}

// Register adds a live coordinator entry.
func (r *Registry) Register(id execid.ID, coord coordinator.Coordinator, info QueryInfo, opts ...Option) error {
	if coord == nil {
		return fmt.Errorf("register %s: nil coordinator", id)
	}
	e := &entry{kind: KindLiveCoordinator, coord: coord, info: info}
	for _, opt := range opts {
		opt(e)
	}
	return r.add(id, e)
}

// RegisterInfo adds an entry that only carries summary information.
func (r *Registry) RegisterInfo(id execid.ID, info QueryInfo) error {
	return r.add(id, &entry{kind: KindInfoOnly, info: info})
}

func (r *Registry) add(id execid.ID, e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		r.log.Error("duplicate execution id", zap.String("execution_id", id.String()))
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if e.info.StartTime.IsZero() {
		e.info.StartTime = r.now()
	}
	r.entries[id] = e
	return nil
}

// Unregister removes id. Removing an absent id is a no-op.
func (r *Registry) Unregister(id execid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// ReportExecStatus forwards a backend report to the execution's coordinator.
// The registry lock is not held while the coordinator or listener runs.
func (r *Registry) ReportExecStatus(report coordinator.Report) ReportResult {
	res := r.dispatch(report)
	metrics.RecordExecStatusReport(string(res.Outcome))
	return res
}

func (r *Registry) dispatch(report coordinator.Report) ReportResult {
	r.mu.Lock()
	e, ok := r.entries[report.QueryID]
	r.mu.Unlock()

	if !ok {
		r.log.Info("report for unknown query",
			zap.String("execution_id", report.QueryID.String()),
			zap.String("instance_id", report.InstanceID.String()),
		)
		return ReportResult{
			Outcome: OutcomeUnknownQuery,
			Status:  status.Newf(status.CodeNotFound, "query %s not found", report.QueryID),
		}
	}
	if e.kind == KindInfoOnly {
		return ReportResult{Outcome: OutcomeNoCoordinator, Status: status.OK}
	}

	if err := e.coord.ReportExecStatus(report); err != nil {
		r.log.Warn("coordinator rejected report",
			zap.String("execution_id", report.QueryID.String()),
			zap.Error(err),
		)
		return ReportResult{Outcome: OutcomeRejected, Status: status.FromError(err)}
	}

	if report.Done && !report.Status.OK() && e.listener != nil {
		e.listener.OnAttemptFailed(report.QueryID, report.Status)
	}

	return ReportResult{Outcome: OutcomeAccepted, Status: status.OK}
}

// Snapshot copies every entry under the lock and builds the statistics after
// releasing it.
func (r *Registry) Snapshot() []Statistics {
	type pair struct {
		id   execid.ID
		kind EntryKind
		info QueryInfo
	}

	r.mu.Lock()
	copied := make([]pair, 0, len(r.entries))
	for id, e := range r.entries {
		copied = append(copied, pair{id: id, kind: e.kind, info: e.info})
	}
	now := r.now()
	r.mu.Unlock()

	stats := make([]Statistics, 0, len(copied))
	for _, p := range copied {
		stats = append(stats, newStatistics(p.id, p.kind, p.info, now))
	}
	return stats
}

func (r *Registry) Lookup(id execid.ID) (Statistics, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	var kind EntryKind
	var info QueryInfo
	if ok {
		kind, info = e.kind, e.info
	}
	now := r.now()
	r.mu.Unlock()

	if !ok {
		return Statistics{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return newStatistics(id, kind, info, now), nil
}

// Coordinator returns the live coordinator of id, for detail views.
func (r *Registry) Coordinator(id execid.ID) (coordinator.Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.kind != KindLiveCoordinator {
		return nil, false
	}
	return e.coord, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func newStatistics(id execid.ID, kind EntryKind, info QueryInfo, now time.Time) Statistics {
	return Statistics{
		QueryID:        id.String(),
		Database:       info.Database,
		User:           info.User,
		SQL:            info.SQL,
		Kind:           kind,
		StartTime:      info.StartTime,
		ExecTimeMillis: now.Sub(info.StartTime).Milliseconds(),
	}
}
