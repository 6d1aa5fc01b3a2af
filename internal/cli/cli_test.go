package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/pullload/internal/procdir"
	"github.com/nadmax/pullload/internal/userprop"
)

type recorded struct {
	method string
	path   string
	body   string
}

func newFrontend(t *testing.T, routes map[string]http.HandlerFunc) (string, func() []recorded) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, path: r.URL.RequestURI(), body: string(body)})
		mu.Unlock()
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(calls)
	}
}

func jsonHandler(code int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func runCLI(t *testing.T, host string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--host", host}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestQueries_Table(t *testing.T) {
	host, calls := newFrontend(t, map[string]http.HandlerFunc{
		"GET /api/current_queries": jsonHandler(http.StatusOK, procdir.Result{
			Names: procdir.CurrentQueryTitles,
			Rows:  [][]string{{"a-1", "sales", "alice", "1500"}},
		}),
	})

	code, out, _ := runCLI(t, host, "queries", "--order-by", "ExecTime")

	require.Equal(t, 0, code)
	assert.Contains(t, out, "QueryId")
	assert.Contains(t, out, "alice")
	assert.Equal(t, "/api/current_queries?order_by=ExecTime", calls()[0].path)
}

func TestQueries_Detail(t *testing.T) {
	detail := procdir.QueryDetail{Live: true, DoneInstances: 1, Instances: 2}
	detail.QueryID = "a-1"
	host, _ := newFrontend(t, map[string]http.HandlerFunc{
		"GET /api/current_queries/a-1": jsonHandler(http.StatusOK, detail),
	})

	code, out, _ := runCLI(t, host, "queries", "a-1")

	require.Equal(t, 0, code)
	assert.Contains(t, out, "Live")
	assert.Contains(t, out, "1/2")
}

func TestQueries_NotFoundJSON(t *testing.T) {
	host, _ := newFrontend(t, nil)

	code, out, _ := runCLI(t, host, "-o", "json", "queries", "missing")

	assert.Equal(t, 1, code)
	var errObj map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &errObj))
	assert.Equal(t, float64(http.StatusNotFound), errObj["http_status"])
	assert.Contains(t, errObj["error"], "not found")
}

func TestLoads_JSON(t *testing.T) {
	res := procdir.Result{Names: procdir.LoadJobTitles, Rows: [][]string{}}
	host, calls := newFrontend(t, map[string]http.HandlerFunc{
		"GET /api/dbs/sales/loads": jsonHandler(http.StatusOK, res),
	})

	code, out, _ := runCLI(t, host, "-o", "json", "loads", "sales")

	require.Equal(t, 0, code)
	var got procdir.Result
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, procdir.LoadJobTitles, got.Names)
	assert.Equal(t, "/api/dbs/sales/loads", calls()[0].path)
}

func TestLoads_Attempts(t *testing.T) {
	host, _ := newFrontend(t, map[string]http.HandlerFunc{
		"GET /api/dbs/sales/loads/7": jsonHandler(http.StatusOK, []map[string]any{
			{"execution_id": "e1", "task_id": 0, "state": "FAILED", "status_code": "CANCELLED", "error_msg": "load task cancelled"},
		}),
	})

	code, out, _ := runCLI(t, host, "loads", "sales", "7")

	require.Equal(t, 0, code)
	assert.Contains(t, out, "ExecutionId")
	assert.Contains(t, out, "load task cancelled")
}

func TestSubmit(t *testing.T) {
	host, calls := newFrontend(t, map[string]http.HandlerFunc{
		"POST /api/loads": jsonHandler(http.StatusCreated, map[string]string{"key": "11-2"}),
	})
	file := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"job_id":11,"task_id":2,"database":{"name":"sales"},"table":{"name":"orders"}}`), 0644))

	code, out, _ := runCLI(t, host, "submit", "-f", file)

	require.Equal(t, 0, code)
	assert.Equal(t, "submitted 11-2\n", out)
	assert.Contains(t, calls()[0].body, `"job_id":11`)
}

func TestSubmit_MissingFileFlag(t *testing.T) {
	host, calls := newFrontend(t, nil)

	code, _, stderr := runCLI(t, host, "submit")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "file")
	assert.Empty(t, calls())
}

func TestCancel(t *testing.T) {
	host, calls := newFrontend(t, map[string]http.HandlerFunc{
		"POST /api/loads/5/tasks/1/cancel": func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) },
	})

	code, out, _ := runCLI(t, host, "cancel", "5", "1")

	require.Equal(t, 0, code)
	assert.Equal(t, "cancel requested for 5-1\n", out)
	assert.Equal(t, http.MethodPost, calls()[0].method)
}

func TestProps(t *testing.T) {
	info := userprop.Info{User: "alice", Properties: []userprop.Pair{{Key: "exec_mem_limit", Value: "1024"}}}
	host, calls := newFrontend(t, map[string]http.HandlerFunc{
		"GET /api/users/alice/properties": jsonHandler(http.StatusOK, info),
		"PUT /api/users/alice/properties": jsonHandler(http.StatusOK, info),
	})

	code, out, _ := runCLI(t, host, "props", "get", "alice")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "exec_mem_limit")

	code, _, _ = runCLI(t, host, "props", "set", "alice", "exec_mem_limit=1024")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `[{"key":"exec_mem_limit","value":"1024"}]`, calls()[1].body)

	code, _, stderr := runCLI(t, host, "props", "set", "alice", "broken")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "want key=value")
}

func TestInvalidOutputFormat(t *testing.T) {
	host, _ := newFrontend(t, nil)

	code, _, stderr := runCLI(t, host, "-o", "yaml", "queries")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unsupported output format")
}
