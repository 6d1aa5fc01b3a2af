package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/coordinator/mocks"
	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/status"
)

type recordingListener struct {
	mu    sync.Mutex
	calls []status.Status
}

func (l *recordingListener) OnAttemptFailed(_ execid.ID, st status.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, st)
}

func newTestRegistry() *Registry {
	r := New(zap.NewNop())
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	return r
}

func TestRegister_DuplicateRejected(t *testing.T) {
	r := newTestRegistry()
	id := execid.New()
	first := mocks.NewMockCoordinator()

	require.NoError(t, r.Register(id, first, QueryInfo{Database: "db1"}))
	err := r.Register(id, mocks.NewMockCoordinator(), QueryInfo{Database: "db2"})

	assert.ErrorIs(t, err, ErrDuplicateID)
	c, ok := r.Coordinator(id)
	require.True(t, ok)
	assert.Same(t, first, c)

	err = r.RegisterInfo(id, QueryInfo{})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_NilCoordinator(t *testing.T) {
	r := newTestRegistry()

	err := r.Register(execid.New(), nil, QueryInfo{})

	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestUnregister_Idempotent(t *testing.T) {
	r := newTestRegistry()
	id := execid.New()
	require.NoError(t, r.Register(id, mocks.NewMockCoordinator(), QueryInfo{}))

	r.Unregister(id)
	r.Unregister(id)
	r.Unregister(execid.New())

	assert.Equal(t, 0, r.Len())
	_, err := r.Lookup(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReportExecStatus(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(r *Registry, id execid.ID) *mocks.MockCoordinator
		wantOutcome Outcome
		wantCode    status.Code
		forwarded   bool
	}{
		{
			name: "unknown query",
			setup: func(*Registry, execid.ID) *mocks.MockCoordinator {
				return nil
			},
			wantOutcome: OutcomeUnknownQuery,
			wantCode:    status.CodeNotFound,
		},
		{
			name: "info only entry",
			setup: func(r *Registry, id execid.ID) *mocks.MockCoordinator {
				require.NoError(t, r.RegisterInfo(id, QueryInfo{SQL: "select 1"}))
				return nil
			},
			wantOutcome: OutcomeNoCoordinator,
			wantCode:    status.CodeOK,
		},
		{
			name: "accepted by coordinator",
			setup: func(r *Registry, id execid.ID) *mocks.MockCoordinator {
				c := mocks.NewMockCoordinator()
				require.NoError(t, r.Register(id, c, QueryInfo{}))
				return c
			},
			wantOutcome: OutcomeAccepted,
			wantCode:    status.CodeOK,
			forwarded:   true,
		},
		{
			name: "rejected by coordinator",
			setup: func(r *Registry, id execid.ID) *mocks.MockCoordinator {
				c := mocks.NewMockCoordinator()
				c.ReportError = errors.New("unknown instance")
				require.NoError(t, r.Register(id, c, QueryInfo{}))
				return c
			},
			wantOutcome: OutcomeRejected,
			wantCode:    status.CodeInternalError,
			forwarded:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			id := execid.New()
			c := tt.setup(r, id)

			res := r.ReportExecStatus(coordinator.Report{QueryID: id, Status: status.OK, Done: true})

			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantCode, res.Status.Code)
			if c != nil {
				assert.Equal(t, tt.forwarded, len(c.GetReportCalls()) == 1)
			}
		})
	}
}

func TestReportExecStatus_FailureNotifiesListener(t *testing.T) {
	r := newTestRegistry()
	id := execid.New()
	l := &recordingListener{}
	require.NoError(t, r.Register(id, mocks.NewMockCoordinator(), QueryInfo{}, WithListener(l)))

	r.ReportExecStatus(coordinator.Report{QueryID: id, Status: status.OK, Done: true})
	failed := status.New(status.CodeError, "bad row")
	partial := coordinator.Report{QueryID: id, Status: failed, Done: false}
	r.ReportExecStatus(partial)
	res := r.ReportExecStatus(coordinator.Report{QueryID: id, Status: failed, Done: true})

	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.True(t, res.Status.OK(), "execution failure is not echoed to the reporter")
	require.Len(t, l.calls, 1)
	assert.Equal(t, failed, l.calls[0])
}

func TestSnapshotAndLookup(t *testing.T) {
	r := newTestRegistry()
	start := r.now().Add(-1500 * time.Millisecond)
	live, info := execid.New(), execid.New()

	require.NoError(t, r.Register(live, mocks.NewMockCoordinator(), QueryInfo{Database: "db", User: "alice", StartTime: start}))
	require.NoError(t, r.RegisterInfo(info, QueryInfo{Database: "db", SQL: "select 1"}))

	stats := r.Snapshot()
	require.Len(t, stats, 2)

	s, err := r.Lookup(live)
	require.NoError(t, err)
	assert.Equal(t, live.String(), s.QueryID)
	assert.Equal(t, "alice", s.User)
	assert.Equal(t, KindLiveCoordinator, s.Kind)
	assert.Equal(t, int64(1500), s.ExecTimeMillis)

	s, err = r.Lookup(info)
	require.NoError(t, err)
	assert.Equal(t, KindInfoOnly, s.Kind)
	assert.Equal(t, int64(0), s.ExecTimeMillis)

	_, ok := r.Coordinator(info)
	assert.False(t, ok)
}

func TestSnapshot_ConcurrentMutation(t *testing.T) {
	r := New(zap.NewNop())
	const n = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range n {
			id := execid.New()
			assert.NoError(t, r.Register(id, mocks.NewMockCoordinator(), QueryInfo{}))
			r.Unregister(id)
		}
	}()
	go func() {
		defer wg.Done()
		for range n {
			for _, s := range r.Snapshot() {
				assert.NotEmpty(t, s.QueryID)
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}
