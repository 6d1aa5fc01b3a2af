package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/plan"
	"github.com/nadmax/pullload/internal/status"
)

type fakeBackendClient struct {
	mu        sync.Mutex
	execs     []ExecRequest
	backends  []string
	cancels   []CancelRequest
	execError error
}

func (c *fakeBackendClient) ExecFragment(_ context.Context, backend string, req ExecRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, req)
	c.backends = append(c.backends, backend)
	return c.execError
}

func (c *fakeBackendClient) CancelFragment(_ context.Context, _ string, req CancelRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, req)
	return nil
}

func (c *fakeBackendClient) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancels)
}

func testPlan(instances int) *plan.Plan {
	p := &plan.Plan{
		ScanNodes: []plan.ScanNode{{ID: 0, Broker: plan.BrokerDesc{Name: "broker"}}},
		Fragments: []plan.Fragment{{ID: 0, ScanNodeID: 0}},
	}
	for range instances {
		p.Fragments[0].Instances = append(p.Fragments[0].Instances, plan.FragmentInstance{
			ScanRanges: []plan.ScanRange{{Path: "/data/f"}},
		})
	}
	return p
}

func newTestFanout(t *testing.T, instances int, backends ...string) (*Fanout, *fakeBackendClient) {
	client := &fakeBackendClient{}
	if len(backends) == 0 {
		backends = []string{"http://be1", "http://be2"}
	}
	f, err := NewFanout(Params{
		ID:        execid.New(),
		Plan:      testPlan(instances),
		QueryType: QueryTypeLoad,
		Timeout:   time.Minute,
	}, backends, client, zap.NewNop())
	require.NoError(t, err)
	return f, client
}

func doneReport(f *Fanout, n int, files ...string) Report {
	return Report{
		QueryID:      f.params.ID,
		InstanceID:   InstanceID(f.params.ID, n),
		Status:       status.OK,
		Done:         true,
		DeltaURLs:    files,
		LoadCounters: map[string]string{"dpp.norm.ALL": "10", "dpp.abnorm.ALL": "1"},
	}
}

func TestNewFanout_Errors(t *testing.T) {
	_, err := NewFanout(Params{Plan: testPlan(1)}, nil, &fakeBackendClient{}, nil)
	assert.ErrorIs(t, err, ErrNoBackends)

	_, err = NewFanout(Params{Plan: testPlan(0)}, []string{"http://be1"}, &fakeBackendClient{}, nil)
	assert.Error(t, err)

	_, err = NewFanout(Params{}, []string{"http://be1"}, &fakeBackendClient{}, nil)
	assert.Error(t, err)
}

func TestFanout_ExecRoundRobin(t *testing.T) {
	f, client := newTestFanout(t, 3)

	require.NoError(t, f.Exec())

	require.Len(t, client.execs, 3)
	counts := map[string]int{}
	for _, b := range client.backends {
		counts[b]++
	}
	assert.Equal(t, 2, counts["http://be1"])
	assert.Equal(t, 1, counts["http://be2"])

	for _, req := range client.execs {
		assert.Equal(t, QueryTypeLoad, req.QueryType)
		assert.Equal(t, 60, req.TimeoutSeconds)
		assert.Equal(t, "broker", req.Broker.Name)
	}
	assert.False(t, f.Join(0))
}

func TestFanout_CompletesWhenAllDone(t *testing.T) {
	f, _ := newTestFanout(t, 2)
	require.NoError(t, f.Exec())

	require.NoError(t, f.ReportExecStatus(doneReport(f, 0, "f1")))
	assert.False(t, f.Join(10*time.Millisecond))
	done, total := f.Progress()
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, total)

	require.NoError(t, f.ReportExecStatus(doneReport(f, 1, "f2")))
	assert.True(t, f.Join(time.Second))
	assert.True(t, f.Status().OK())
	assert.ElementsMatch(t, []string{"f1", "f2"}, f.DeltaURLs())
	assert.Equal(t, map[string]string{"dpp.norm.ALL": "20", "dpp.abnorm.ALL": "2"}, f.LoadCounters())
}

func TestFanout_ProgressReportDoesNotComplete(t *testing.T) {
	f, _ := newTestFanout(t, 1)

	r := doneReport(f, 0)
	r.Done = false
	require.NoError(t, f.ReportExecStatus(r))

	assert.False(t, f.Join(0))
}

func TestFanout_FailureReportWins(t *testing.T) {
	f, client := newTestFanout(t, 3)
	require.NoError(t, f.Exec())

	failed := doneReport(f, 1)
	failed.Status = status.New(status.CodeError, "disk full")
	require.NoError(t, f.ReportExecStatus(failed))

	later := doneReport(f, 2)
	later.Status = status.New(status.CodeRemoteFailure, "other")
	require.NoError(t, f.ReportExecStatus(later))

	assert.True(t, f.Join(time.Second))
	assert.Equal(t, status.New(status.CodeError, "disk full"), f.Status())
	assert.Eventually(t, func() bool { return client.cancelCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFanout_Cancel(t *testing.T) {
	f, client := newTestFanout(t, 2)
	require.NoError(t, f.Exec())

	f.Cancel()
	f.Cancel()

	assert.True(t, f.Join(time.Second))
	assert.Equal(t, status.CodeCancelled, f.Status().Code)
	assert.Eventually(t, func() bool { return client.cancelCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFanout_ExecFailure(t *testing.T) {
	f, client := newTestFanout(t, 2)
	client.execError = errors.New("connection refused")

	err := f.Exec()

	require.Error(t, err)
	assert.True(t, f.Join(0))
	assert.Equal(t, status.CodeInternalError, f.Status().Code)
}

func TestFanout_UnknownInstance(t *testing.T) {
	f, _ := newTestFanout(t, 1)

	err := f.ReportExecStatus(Report{QueryID: f.params.ID, InstanceID: execid.New(), Done: true})

	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestFanout_DuplicateDoneReportIgnored(t *testing.T) {
	f, _ := newTestFanout(t, 2)

	require.NoError(t, f.ReportExecStatus(doneReport(f, 0, "f1")))
	require.NoError(t, f.ReportExecStatus(doneReport(f, 0, "f1")))

	done, _ := f.Progress()
	assert.Equal(t, 1, done)
	assert.False(t, f.Join(0))
}

func TestMergeCounters(t *testing.T) {
	dst := map[string]string{"rows": "3", "label": "a"}

	mergeCounters(dst, map[string]string{"rows": "4", "label": "b", "new": "x"})

	assert.Equal(t, map[string]string{"rows": "7", "label": "b", "new": "x"}, dst)
}

func TestFanoutFactory(t *testing.T) {
	factory := NewFanoutFactory([]string{"http://be1"}, &fakeBackendClient{}, zap.NewNop())

	c, err := factory(Params{ID: execid.New(), Plan: testPlan(1)})

	require.NoError(t, err)
	assert.IsType(t, &Fanout{}, c)
}

func TestHTTPBackendClient(t *testing.T) {
	var got ExecRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case ExecFragmentPath:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		case CancelFragmentPath:
			http.Error(w, "unknown instance", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewHTTPBackendClient(time.Second)
	req := ExecRequest{QueryID: execid.ID{Hi: 1, Lo: 2}, InstanceID: execid.ID{Hi: 1, Lo: 3}, FragmentID: 4}

	require.NoError(t, client.ExecFragment(context.Background(), srv.URL, req))
	assert.Equal(t, req.InstanceID, got.InstanceID)
	assert.Equal(t, 4, got.FragmentID)

	err := client.CancelFragment(context.Background(), srv.URL, CancelRequest{QueryID: req.QueryID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "unknown instance")
}
