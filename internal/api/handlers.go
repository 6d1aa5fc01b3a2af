// Package api exposes the frontend HTTP surface: fragment status ingress
// from the backends, the current query and load job listings, load task
// submission and cancellation, and user properties.
package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/backend"
	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/dashboard"
	"github.com/nadmax/pullload/internal/httputil"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/middleware"
	"github.com/nadmax/pullload/internal/procdir"
	"github.com/nadmax/pullload/internal/registry"
	"github.com/nadmax/pullload/internal/task"
	"github.com/nadmax/pullload/internal/userprop"
	"github.com/nadmax/pullload/internal/worker"
)

type SpecQueue interface {
	Enqueue(spec *task.Spec) error
	Len() (int, error)
}

type TaskController interface {
	Cancel(jobID int64, taskID int) error
	Active() []task.Info
}

type UserStore interface {
	Save(ctx context.Context, info *userprop.Info) error
	Load(ctx context.Context, user string) (*userprop.Info, error)
}

// Deps are the collaborators behind the routes. Jobs may be nil when no
// history store is configured.
type Deps struct {
	Registry *registry.Registry
	Queue    SpecQueue
	Worker   TaskController
	Jobs     procdir.JobSource
	Users    UserStore
	Logger   *zap.Logger
}

type API struct {
	deps    Deps
	queries *procdir.CurrentQueries
	log     *zap.Logger
	router  chi.Router
}

type SubmitResponse struct {
	Key string `json:"key"`
}

func NewAPI(deps Deps) *API {
	if deps.Logger == nil {
		deps.Logger = logger.L()
	}
	api := &API{
		deps:    deps,
		queries: procdir.NewCurrentQueries(deps.Registry),
		log:     deps.Logger,
		router:  chi.NewRouter(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	r := a.router
	r.Use(middleware.MetricsMiddleware)

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post(backend.ReportPath, a.reportExecStatus)
	r.Get("/api/current_queries", a.listCurrentQueries)
	r.Get("/api/current_queries/{id}", a.getCurrentQuery)
	r.Get("/api/dbs/{db}/loads", a.listLoadJobs)
	r.Get("/api/dbs/{db}/loads/{jobID}", a.getLoadJob)
	r.Post("/api/loads", a.submitLoad)
	r.Post("/api/loads/{jobID}/tasks/{taskID}/cancel", a.cancelLoadTask)
	r.Get("/api/users/{user}/properties", a.getUserProperties)
	r.Put("/api/users/{user}/properties", a.putUserProperties)

	dash := dashboard.NewDashboard(a.deps.Registry, a.deps.Queue, a.deps.Worker)
	r.Get("/api/dashboard/stats", dash.GetStats)
	r.Get("/api/dashboard/tasks", dash.GetActiveTasks)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reportExecStatus always answers 200 once the body decodes; the outcome of
// the dispatch travels in the result.
func (a *API) reportExecStatus(w http.ResponseWriter, r *http.Request) {
	var report coordinator.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	res := a.deps.Registry.ReportExecStatus(report)
	if res.Outcome != registry.OutcomeAccepted {
		a.log.Debug("report not accepted",
			zap.String("query_id", report.QueryID.String()),
			zap.String("outcome", string(res.Outcome)),
		)
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (a *API) listCurrentQueries(w http.ResponseWriter, r *http.Request) {
	res := a.queries.Fetch()
	if !orderRows(w, r, &res, procdir.AnalyzeCurrentQueryColumn) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (a *API) getCurrentQuery(w http.ResponseWriter, r *http.Request) {
	detail, err := a.queries.Lookup(chi.URLParam(r, "id"))
	if errors.Is(err, procdir.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (a *API) listLoadJobs(w http.ResponseWriter, r *http.Request) {
	if a.deps.Jobs == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "load history is not configured")
		return
	}

	res, err := procdir.NewLoadJobs(a.deps.Jobs, chi.URLParam(r, "db")).Fetch(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !orderRows(w, r, &res, procdir.AnalyzeColumn) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (a *API) getLoadJob(w http.ResponseWriter, r *http.Request) {
	if a.deps.Jobs == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "load history is not configured")
		return
	}

	jobs := procdir.NewLoadJobs(a.deps.Jobs, chi.URLParam(r, "db"))
	attempts, err := jobs.Lookup(r.Context(), chi.URLParam(r, "jobID"))
	switch {
	case errors.Is(err, procdir.ErrInvalidJobID):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, procdir.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, attempts)
}

func (a *API) submitLoad(w http.ResponseWriter, r *http.Request) {
	var spec task.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	switch {
	case spec.JobID <= 0:
		httputil.WriteError(w, http.StatusBadRequest, "job_id must be positive")
		return
	case spec.Database.Name == "":
		httputil.WriteError(w, http.StatusBadRequest, "database name is required")
		return
	case spec.Table.Name == "":
		httputil.WriteError(w, http.StatusBadRequest, "table name is required")
		return
	}

	if err := a.deps.Queue.Enqueue(&spec); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.log.Info("load task submitted", zap.String("key", spec.Key()), zap.String("label", spec.Label))
	httputil.WriteJSON(w, http.StatusCreated, SubmitResponse{Key: spec.Key()})
}

func (a *API) cancelLoadTask(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid job id format")
		return
	}
	taskID, err := strconv.Atoi(chi.URLParam(r, "taskID"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
		return
	}

	err = a.deps.Worker.Cancel(jobID, taskID)
	if errors.Is(err, worker.ErrTaskNotActive) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) getUserProperties(w http.ResponseWriter, r *http.Request) {
	info, err := a.deps.Users.Load(r.Context(), chi.URLParam(r, "user"))
	if errors.Is(err, userprop.ErrUserNotFound) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

func (a *API) putUserProperties(w http.ResponseWriter, r *http.Request) {
	var props []userprop.Pair
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	info := &userprop.Info{User: chi.URLParam(r, "user"), Properties: props}
	if err := a.deps.Users.Save(r.Context(), info); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

// orderRows sorts res by the order_by column when one is given. It writes a
// 400 and returns false for an unknown column.
func orderRows(w http.ResponseWriter, r *http.Request, res *procdir.Result, analyze func(string) (int, error)) bool {
	name := r.URL.Query().Get("order_by")
	if name == "" {
		return true
	}
	idx, err := analyze(name)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	slices.SortStableFunc(res.Rows, func(x, y []string) int {
		return compareCells(x[idx], y[idx])
	})
	return true
}

// compareCells orders numeric cells numerically and everything else as text.
func compareCells(x, y string) int {
	nx, errX := strconv.ParseInt(x, 10, 64)
	ny, errY := strconv.ParseInt(y, 10, 64)
	if errX == nil && errY == nil {
		return cmp.Compare(nx, ny)
	}
	return cmp.Compare(x, y)
}
